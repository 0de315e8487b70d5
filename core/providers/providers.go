// Package providers builds collaborators from their configs. The Type field
// of each config selects the implementation.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/agent/chat"
	"github.com/koscakluka/ema-calls/core/agent/echo"
	"github.com/koscakluka/ema-calls/core/conversation"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/output"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	sttdeepgram "github.com/koscakluka/ema-calls/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-calls/core/telephony"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	ttsdeepgram "github.com/koscakluka/ema-calls/core/texttospeech/deepgram"
)

type Option func(*options)

type options struct {
	logger  *slog.Logger
	events  events.Publisher
	fillers *FillerCache
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents sets where conversations built by ConversationFactory publish.
func WithEvents(publisher events.Publisher) Option {
	return func(o *options) {
		if publisher != nil {
			o.events = publisher
		}
	}
}

// WithFillerCache shares precomputed filler palettes between synthesizers.
func WithFillerCache(cache *FillerCache) Option {
	return func(o *options) { o.fillers = cache }
}

func newOptions(opts []Option) options {
	o := options{logger: logger, events: events.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewTranscriber(config speechtotext.Config, opts ...Option) (speechtotext.Transcriber, error) {
	o := newOptions(opts)
	switch config.Type {
	case sttdeepgram.Type:
		transcriber, err := sttdeepgram.NewTranscriber(config, sttdeepgram.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		return transcriber, nil
	default:
		return nil, errs.NewConfigError("transcriber type", fmt.Errorf("unknown transcriber %q", config.Type))
	}
}

func NewAgent(config agent.Config, opts ...Option) (agent.Agent, error) {
	o := newOptions(opts)
	switch config.Type {
	case echo.Type:
		return echo.New(config, agent.WithLogger(o.logger)), nil
	case chat.TypeOpenAI, chat.TypeGroq:
		ag, err := chat.New(config, chat.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		return ag, nil
	default:
		return nil, errs.NewConfigError("agent type", fmt.Errorf("unknown agent %q", config.Type))
	}
}

// NewSynthesizer may synthesize filler audio up front, so it takes a
// context.
func NewSynthesizer(ctx context.Context, config texttospeech.Config, opts ...Option) (texttospeech.Synthesizer, error) {
	o := newOptions(opts)
	build := func(ctx context.Context, fillers []texttospeech.FillerAudio) (texttospeech.Synthesizer, error) {
		return newSynthesizer(ctx, config, ttsdeepgram.WithLogger(o.logger), ttsdeepgram.WithFillerAudios(fillers))
	}
	if o.fillers == nil {
		return build(ctx, nil)
	}
	return o.fillers.synthesizer(ctx, config, build)
}

func newSynthesizer(ctx context.Context, config texttospeech.Config, opts ...ttsdeepgram.Option) (texttospeech.Synthesizer, error) {
	switch config.Type {
	case ttsdeepgram.TypeREST:
		synthesizer, err := ttsdeepgram.NewSynthesizer(ctx, config, opts...)
		if err != nil {
			return nil, err
		}
		return synthesizer, nil
	case ttsdeepgram.TypeStreaming:
		synthesizer, err := ttsdeepgram.NewStreamingSynthesizer(ctx, config, opts...)
		if err != nil {
			return nil, err
		}
		return synthesizer, nil
	default:
		return nil, errs.NewConfigError("synthesizer type", fmt.Errorf("unknown synthesizer %q", config.Type))
	}
}

// NewConversation wires a streaming conversation from the three collaborator
// configs. Whatever was built is released when a later step fails.
func NewConversation(ctx context.Context, id string, out output.Device, transcriberConfig speechtotext.Config,
	agentConfig agent.Config, synthesizerConfig texttospeech.Config, opts ...Option,
) (*conversation.StreamingConversation, error) {
	o := newOptions(opts)
	l := o.logger.With("conversation_id", id)

	transcriber, err := NewTranscriber(transcriberConfig, WithLogger(l))
	if err != nil {
		return nil, err
	}
	ag, err := NewAgent(agentConfig, WithLogger(l))
	if err != nil {
		transcriber.Terminate()
		return nil, err
	}
	synthesizer, err := NewSynthesizer(ctx, synthesizerConfig, WithLogger(l), WithFillerCache(o.fillers))
	if err != nil {
		transcriber.Terminate()
		ag.Terminate()
		return nil, err
	}

	return conversation.NewStreamingConversation(out, transcriber, ag, synthesizer,
		conversation.WithID(id),
		conversation.WithLogger(l),
		conversation.WithEvents(o.events),
	), nil
}

// ConversationFactory builds conversations for telephony calls. Calls share
// one filler cache unless WithFillerCache says otherwise.
func ConversationFactory(opts ...Option) telephony.ConversationFactory {
	opts = append([]Option{WithFillerCache(NewFillerCache())}, opts...)
	return func(ctx context.Context, id string, config telephony.CallConfig, out output.Device) (telephony.Conversation, error) {
		return NewConversation(ctx, id, out, config.Transcriber, config.Agent, config.Synthesizer, opts...)
	}
}
