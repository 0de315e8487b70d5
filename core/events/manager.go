package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/worker"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-calls/core/events")

var ErrAlreadyStarted = errors.New("events manager already started")

// Handler receives every subscribed event, one at a time and in publish
// order.
type Handler func(ctx context.Context, event Event)

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager filters published events against a fixed subscription set and
// hands the rest to a single handler from its own loop.
type Manager struct {
	subscriptions map[Kind]struct{}
	queue         *worker.Queue[Event]
	handle        Handler
	logger        *slog.Logger

	mu        sync.Mutex
	ended     bool
	started   bool
	parentCtx context.Context
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	endOnce   sync.Once
}

func NewManager(subscriptions []Kind, handle Handler, opts ...ManagerOption) *Manager {
	m := &Manager{
		subscriptions: make(map[Kind]struct{}, len(subscriptions)),
		queue:         worker.NewQueue[Event](),
		handle:        handle,
		logger:        logger,
		loopDone:      make(chan struct{}),
	}
	for _, kind := range subscriptions {
		m.subscriptions[kind] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) IsSubscribed(kind Kind) bool {
	_, ok := m.subscriptions[kind]
	return ok
}

// Publish enqueues event if its kind is subscribed and the manager has not
// ended. It reports whether the event was kept.
func (m *Manager) Publish(event Event) bool {
	if event == nil || !m.IsSubscribed(event.Kind()) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return false
	}
	return m.queue.Put(event)
}

// Start runs the consumption loop and blocks until End is called or ctx is
// done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	if m.ended {
		m.mu.Unlock()
		close(m.loopDone)
		return nil
	}
	m.parentCtx = ctx
	loopCtx, stop := context.WithCancel(ctx)
	m.stopLoop = stop
	m.mu.Unlock()

	defer close(m.loopDone)
	defer stop()

	for loopCtx.Err() == nil {
		event, err := m.queue.Get(loopCtx)
		if err != nil {
			break
		}
		m.dispatch(ctx, event)
	}
	return nil
}

// End stops accepting events, waits for the loop to finish the event it is
// handling, then handles everything still queued before returning.
func (m *Manager) End() {
	m.endOnce.Do(func() {
		m.mu.Lock()
		m.ended = true
		started := m.started
		ctx := m.parentCtx
		if m.stopLoop != nil {
			m.stopLoop()
		}
		m.mu.Unlock()

		if started {
			<-m.loopDone
		}
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = context.WithoutCancel(ctx)

		for {
			event, ok := m.queue.TryGet()
			if !ok {
				return
			}
			m.dispatch(ctx, event)
		}
	})
}

func (m *Manager) dispatch(ctx context.Context, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := &errs.ProcessingError{Stage: "events", Err: fmt.Errorf("handler panicked: %v", recovered)}
			m.logger.Error("failed to handle event", "kind", event.Kind(), "error", err)
		}
	}()
	m.handle(ctx, event)
}

// LogHandler writes every event to l.
func LogHandler(l *slog.Logger) Handler {
	return func(ctx context.Context, event Event) {
		attrs := []any{"kind", event.Kind(), "conversation_id", event.ConversationID()}
		switch e := event.(type) {
		case CallConnected:
			attrs = append(attrs, "from", e.FromPhone, "to", e.ToPhone)
		case TranscriptUpdated:
			attrs = append(attrs, "speaker", e.Entry.Speaker, "text", e.Entry.Text)
		case TranscriptComplete:
			attrs = append(attrs, "transcript", e.String())
		}
		l.InfoContext(ctx, "conversation event", attrs...)
	}
}

// Publisher is the publishing half of a Manager.
type Publisher interface {
	Publish(event Event) bool
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) bool { return false }
