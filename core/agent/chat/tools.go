package chat

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/jinzhu/copier"
)

const endConversationToolName = "end_conversation"

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type endConversationArguments struct {
	Reason string `json:"reason" jsonschema:"title=Reason,description=Why the conversation is over"`
}

// NewTool describes a function the model may call. The parameter schema is
// reflected from params.
func NewTool(name, description string, params any) (Tool, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(params)
	schema.Version = ""

	parameters, err := json.Marshal(schema)
	if err != nil {
		return Tool{}, err
	}

	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}, nil
}

func endConversationTool() (Tool, error) {
	return NewTool(endConversationToolName,
		"End the call once the caller is done or says goodbye.",
		&endConversationArguments{})
}

// requestTools hands every request its own copy of the tool list.
func (a *Agent) requestTools() []Tool {
	if len(a.tools) == 0 {
		return nil
	}

	var tools []Tool
	if err := copier.CopyWithOption(&tools, a.tools, copier.Option{DeepCopy: true}); err != nil {
		a.logger.Warn("failed to copy tools, sending request without them", "error", err)
		return nil
	}
	return tools
}
