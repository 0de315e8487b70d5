package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/output"
)

type CallState int32

const (
	CallConnecting CallState = iota
	CallActive
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Transport is the provider's media websocket.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conversation is what a call needs from the conversation it carries.
type Conversation interface {
	Start(ctx context.Context) error
	ReceiveAudio(chunk []byte)
	Terminate()
	Done() <-chan struct{}
}

// ConversationFactory builds the conversation for an admitted call. out is
// already framed for the call's provider.
type ConversationFactory func(ctx context.Context, conversationID string, config CallConfig, out output.Device) (Conversation, error)

type CallOption func(*Call)

func WithCallLogger(l *slog.Logger) CallOption {
	return func(c *Call) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCallEvents(publisher events.Publisher) CallOption {
	return func(c *Call) {
		if publisher != nil {
			c.events = publisher
		}
	}
}

// WithJitterConfig overrides the gap filling derived from the protocol's
// encoding.
func WithJitterConfig(config JitterConfig) CallOption {
	return func(c *Call) { c.gaps = newGapFiller(config) }
}

// Call is one phone call's media session. It moves from connecting to
// active to terminated and never back.
type Call struct {
	id              string
	config          CallConfig
	protocol        Protocol
	transport       Transport
	configs         ConfigManager
	newConversation ConversationFactory
	events          events.Publisher
	logger          *slog.Logger

	state atomic.Int32
	gaps  *gapFiller

	mu           sync.Mutex
	streamID     string
	output       output.Device
	conversation Conversation

	terminateOnce sync.Once
}

func NewCall(id string, config CallConfig, protocol Protocol, transport Transport, configs ConfigManager, newConversation ConversationFactory, opts ...CallOption) *Call {
	c := &Call{
		id:              id,
		config:          config,
		protocol:        protocol,
		transport:       transport,
		configs:         configs,
		newConversation: newConversation,
		events:          events.Discard,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gaps == nil {
		c.gaps = newGapFiller(JitterConfigFor(protocol.Encoding()))
	}
	c.logger = c.logger.With("conversation_id", id, "provider", protocol.Name())
	return c
}

func (c *Call) ID() string         { return c.id }
func (c *Call) FromPhone() string  { return c.config.FromPhone }
func (c *Call) ToPhone() string    { return c.config.ToPhone }
func (c *Call) State() CallState   { return CallState(c.state.Load()) }
func (c *Call) StreamID() string   { c.mu.Lock(); defer c.mu.Unlock(); return c.streamID }
func (c *Call) Config() CallConfig { return c.config }

// Run reads the transport until the stream stops, the transport fails or
// the conversation ends. The call is always terminated when Run returns.
func (c *Call) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "call",
		trace.WithAttributes(
			attribute.String("conversation.id", c.id),
			attribute.String("telephony.provider", c.protocol.Name()),
		))
	defer span.End()
	defer c.terminate(ctx)

	for c.State() != CallTerminated {
		messageType, data, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() == CallTerminated || isClosed(err) {
				return nil
			}
			err = errs.NewTransportError("read media stream", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		frame, err := c.protocol.ParseFrame(messageType, data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := c.HandleFrame(ctx, frame); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// HandleFrame applies one inbound frame. While connecting everything but the
// start frame is discarded; once terminated every frame is.
func (c *Call) HandleFrame(ctx context.Context, frame Frame) error {
	switch c.State() {
	case CallConnecting:
		if frame.Kind != FrameStart {
			c.logger.Debug("discarding frame before stream start", "kind", frame.Kind)
			return nil
		}
		return c.activate(ctx, frame.StreamID)

	case CallActive:
		switch frame.Kind {
		case FrameMedia:
			c.receiveMedia(frame)
		case FrameStop:
			c.logger.Info("media stream stopped")
			c.terminate(ctx)
		}
	}
	return nil
}

// Terminate ends the call from outside, e.g. on server shutdown.
func (c *Call) Terminate() { c.terminate(context.Background()) }

func (c *Call) receiveMedia(frame Frame) {
	c.mu.Lock()
	conversation := c.conversation
	c.mu.Unlock()

	if frame.HasTimestamp {
		if silence := c.gaps.next(frame.TimestampMs); len(silence) > 0 {
			c.logger.Debug("filling media gap with silence", "bytes", len(silence))
			conversation.ReceiveAudio(silence)
		}
	}
	conversation.ReceiveAudio(frame.Payload)
}

func (c *Call) activate(ctx context.Context, streamID string) error {
	out := c.protocol.NewOutputDevice(ctx, c.transport, streamID, c.logger)
	conversation, err := c.newConversation(ctx, c.id, c.config, out)
	if err != nil {
		out.Terminate()
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	c.mu.Lock()
	c.streamID = streamID
	c.output = out
	c.conversation = conversation
	c.mu.Unlock()

	if err := conversation.Start(ctx); err != nil {
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	if !c.state.CompareAndSwap(int32(CallConnecting), int32(CallActive)) {
		return nil
	}

	c.logger.Info("call connected", "stream_id", streamID)
	c.events.Publish(events.NewCallConnected(c.id, c.config.FromPhone, c.config.ToPhone))

	go func() {
		<-conversation.Done()
		c.terminate(context.Background())
	}()
	return nil
}

func (c *Call) terminate(ctx context.Context) {
	c.terminateOnce.Do(func() {
		c.state.Store(int32(CallTerminated))
		ctx := context.WithoutCancel(ctx)

		if err := c.configs.Delete(ctx, c.id); err != nil {
			c.logger.Warn("failed to delete call config", "error", err)
		}
		c.events.Publish(events.NewCallEnded(c.id))

		c.mu.Lock()
		conversation, out := c.conversation, c.output
		c.mu.Unlock()
		if conversation != nil {
			conversation.Terminate()
		}
		if out != nil {
			out.Terminate()
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("failed to close transport", "error", err)
		}
		c.logger.Info("call ended")
	})
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
