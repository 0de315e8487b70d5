// Package echo provides an agent that repeats what it hears. It needs no
// credentials, which makes it handy for local runs and tests.
package echo

import (
	"context"

	"github.com/koscakluka/ema-calls/core/agent"
)

const Type = "agent_echo"

type Agent struct {
	*agent.Base
}

func New(config agent.Config, opts ...agent.BaseOption) *Agent {
	return &Agent{Base: agent.NewBase(config, respond, opts...)}
}

func respond(_ context.Context, input agent.Input, _ []agent.Turn, emit func(agent.Response) bool) error {
	emit(agent.Message{Text: input.Text})
	return nil
}
