package agent

import (
	"context"
	"log/slog"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/worker"
)

// RespondFunc produces the bot's answer to input. history holds the turns
// before input. Every response passed to emit is published immediately;
// emit reports false once the turn has been interrupted.
type RespondFunc func(ctx context.Context, input Input, history []Turn, emit func(Response) bool) error

// Base runs a RespondFunc on an interruptible worker, so a human barging in
// cancels the answer being generated. Providers embed it.
type Base struct {
	config  Config
	respond RespondFunc
	memory  Memory
	worker  *worker.InterruptibleWorker[Input, *worker.InterruptibleEvent[Response]]
	logger  *slog.Logger
}

type BaseOption func(*baseOptions)

type baseOptions struct {
	logger *slog.Logger
}

func WithLogger(l *slog.Logger) BaseOption {
	return func(o *baseOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewBase(config Config, respond RespondFunc, opts ...BaseOption) *Base {
	options := baseOptions{logger: logger}
	for _, opt := range opts {
		opt(&options)
	}

	b := &Base{config: config.WithDefaults(), respond: respond, logger: options.logger}
	b.worker = worker.NewInterruptibleWorker("agent", nil, nil, b.process, worker.WithLogger(options.logger))
	return b
}

func (b *Base) Start(ctx context.Context) { b.worker.Start(ctx) }

func (b *Base) ConsumeNonblocking(event *worker.InterruptibleEvent[Input]) { b.worker.Send(event) }

func (b *Base) Output() *worker.Queue[*worker.InterruptibleEvent[Response]] {
	return b.worker.Output()
}

func (b *Base) CancelCurrentTask() bool { return b.worker.CancelCurrentTask() }

func (b *Base) UpdateLastBotMessageOnCutOff(heard string) {
	b.memory.ReplaceLastBot(heard)
}

func (b *Base) Terminate() { b.worker.Terminate() }

func (b *Base) Config() Config { return b.config }

func (b *Base) Memory() *Memory { return &b.memory }

func (b *Base) process(ctx context.Context, event *worker.InterruptibleEvent[Input], output *worker.Queue[*worker.InterruptibleEvent[Response]]) error {
	ctx, span := tracer.Start(ctx, "agent respond")
	defer span.End()

	input := event.Payload
	span.SetAttributes(
		attribute.String("conversation.id", input.ConversationID),
		attribute.Bool("input.is_interrupt", input.IsInterrupt),
	)

	history := b.memory.Turns()
	b.memory.AddHuman(input.Text)

	emit := func(response Response) bool {
		if ctx.Err() != nil {
			return false
		}
		if msg, ok := response.(Message); ok {
			if msg.Text == "" {
				return true
			}
			b.memory.AddBot(msg.Text)
		}
		output.Put(worker.NewInterruptibleEventWithSignal(response, event.IsInterruptible(), event.Signal()))
		return true
	}

	if err := b.respond(ctx, input, history, emit); err != nil {
		if !errs.IsCancellation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "agent failed to respond")
		}
		return err
	}

	if b.config.EndConversationOnGoodbye && IsGoodbye(input.Text) {
		emit(Stop{})
	}
	return nil
}

var goodbyePattern = regexp.MustCompile(`(?i)\b(bye|goodbye|good bye|farewell|see you|talk to you later)\b`)

// IsGoodbye reports whether text sounds like the human ending the call.
func IsGoodbye(text string) bool {
	return goodbyePattern.MatchString(text)
}
