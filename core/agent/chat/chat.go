// Package chat implements an agent backed by an OpenAI compatible streaming
// chat completions API. Groq and OpenAI are both supported.
package chat

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"unicode"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/errs"
)

const (
	TypeOpenAI = "agent_chat_gpt"
	TypeGroq   = "agent_chat_groq"

	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"

	defaultOpenAIModel = "gpt-4o-mini"
	defaultGroqModel   = "llama-3.3-70b-versatile"
)

type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		if httpClient != nil {
			o.httpClient = httpClient
		}
	}
}

type Agent struct {
	*agent.Base

	config     agent.Config
	model      string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tools      []Tool
	logger     *slog.Logger
}

func New(config agent.Config, opts ...Option) (*Agent, error) {
	o := options{
		logger: logger,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		config:     config,
		model:      config.Model,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: o.httpClient,
		logger:     o.logger,
	}

	keyVar, defaultURL, defaultModel := "OPENAI_API_KEY", openAIBaseURL, defaultOpenAIModel
	if config.Type == TypeGroq {
		keyVar, defaultURL, defaultModel = "GROQ_API_KEY", groqBaseURL, defaultGroqModel
	}
	if a.baseURL == "" {
		a.baseURL = defaultURL
	}
	if a.model == "" {
		a.model = defaultModel
	}
	if a.apiKey == "" {
		var ok bool
		if a.apiKey, ok = os.LookupEnv(keyVar); !ok {
			return nil, errs.NewConfigError(keyVar, errs.ErrMissing)
		}
	}

	if config.EndConversationOnGoodbye {
		tool, err := endConversationTool()
		if err != nil {
			return nil, errs.NewConfigError("tools", err)
		}
		a.tools = append(a.tools, tool)
	}

	a.Base = agent.NewBase(config, a.respond, agent.WithLogger(o.logger))
	return a, nil
}

func (a *Agent) respond(ctx context.Context, input agent.Input, history []agent.Turn, emit func(agent.Response) bool) error {
	var pending strings.Builder
	endConversation := false

	for chunk, err := range a.stream(ctx, a.messages(history, input.Text)) {
		if err != nil {
			return err
		}

		if chunk.ToolCall != nil {
			if chunk.ToolCall.Function.Name == endConversationToolName {
				endConversation = true
			}
			continue
		}

		pending.WriteString(chunk.Content)
		for {
			sentence, rest, ok := cutSentence(pending.String())
			if !ok {
				break
			}
			if !emit(agent.Message{Text: sentence}) {
				return ctx.Err()
			}
			pending.Reset()
			pending.WriteString(rest)
		}
	}

	if rest := strings.TrimSpace(pending.String()); rest != "" {
		if !emit(agent.Message{Text: rest}) {
			return ctx.Err()
		}
	}
	if endConversation {
		emit(agent.Stop{})
	}
	return nil
}

func (a *Agent) messages(history []agent.Turn, text string) []message {
	messages := []message{}
	if a.config.Prompt != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: a.config.Prompt})
	}
	if a.config.InitialMessage != "" {
		messages = append(messages, message{Role: messageRoleAssistant, Content: a.config.InitialMessage})
	}
	for _, turn := range history {
		role := messageRoleUser
		if turn.Role == agent.RoleBot {
			role = messageRoleAssistant
		}
		messages = append(messages, message{Role: role, Content: turn.Text})
	}
	return append(messages, message{Role: messageRoleUser, Content: text})
}

// cutSentence splits off the first complete sentence. A sentence ends with
// terminal punctuation followed by whitespace, so abbreviations at the end
// of a chunk wait for more text.
func cutSentence(text string) (sentence, rest string, ok bool) {
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + 1
		if next >= len(text) || !unicode.IsSpace(rune(text[next])) {
			continue
		}
		if sentence = strings.TrimSpace(text[:next]); sentence != "" {
			return sentence, text[next:], true
		}
	}
	return "", text, false
}
