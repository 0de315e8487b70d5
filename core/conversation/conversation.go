// Package conversation runs a full duplex voice conversation: audio in,
// transcriptions, agent responses, synthesized speech out. The human can
// speak over the bot at any time and the bot stops mid-sentence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/output"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	"github.com/koscakluka/ema-calls/core/transcript"
	"github.com/koscakluka/ema-calls/core/worker"
)

var (
	ErrAlreadyStarted = errors.New("conversation already started")
	ErrTerminated     = errors.New("conversation terminated")
)

// speech is one synthesized fragment on its way to the output device.
type speech struct {
	text   string
	result *texttospeech.SynthesisResult
	turn   *turn
	filler bool
	// stop ends the conversation once everything queued before it has
	// played.
	stop bool
	// release frees the context lazy synthesis runs under.
	release context.CancelFunc
}

func (s *speech) done() {
	if s.release != nil {
		s.release()
	}
}

// turn groups everything the bot says in reply to one human utterance. All
// of it shares one interrupt signal.
type turn struct {
	signal        *worker.Signal
	interruptible bool
	// fromAgent is false for the initial message, which the agent never
	// stored in its memory.
	fromAgent bool

	received    int
	finished    int
	spoken      []string
	fillerTimer *time.Timer
}

func (t *turn) stopFiller() {
	if t.fillerTimer != nil {
		t.fillerTimer.Stop()
	}
}

// settled reports whether every fragment received so far has played.
func (t *turn) settled() bool {
	return t.received == t.finished
}

func (t *turn) appendSpoken(text string) {
	if text != "" {
		t.spoken = append(t.spoken, text)
	}
}

type playback struct {
	speech        *speech
	interruptible bool
	start         time.Time
	sent          time.Duration
	recorded      bool
}

func (p *playback) elapsed() time.Duration {
	return min(time.Since(p.start), p.sent)
}

// StreamingConversation wires a transcriber, an agent and a synthesizer to
// an output device through three stages:
//
//   - transcriptions: turns final transcriptions into agent input, barging
//     in on the bot if it is talking,
//   - agent responses: synthesizes every fragment the agent produces,
//   - synthesis results: plays fragments in order at real time pace.
type StreamingConversation struct {
	id            string
	output        output.Device
	transcriber   speechtotext.Transcriber
	agent         agent.Agent
	synthesizer   texttospeech.Synthesizer
	events        events.Publisher
	logger        *slog.Logger
	chunkDuration time.Duration

	transcript   *transcript.Transcript
	state        stateMachine
	lastActivity atomic.Int64

	transcriptions   *worker.QueueWorker[speechtotext.Transcription, struct{}]
	agentResponses   *worker.InterruptibleWorker[agent.Response, *worker.InterruptibleEvent[*speech]]
	synthesisResults *worker.InterruptibleWorker[*speech, struct{}]

	mu          sync.Mutex
	turns       map[*worker.Signal]*turn
	currentTurn *turn
	playing     *playback
	runCtx      context.Context
	cancel      context.CancelFunc

	startOnce     sync.Once
	terminateOnce sync.Once
	done          chan struct{}
}

func NewStreamingConversation(out output.Device, transcriber speechtotext.Transcriber, ag agent.Agent, synthesizer texttospeech.Synthesizer, opts ...Option) *StreamingConversation {
	c := &StreamingConversation{
		id:            uuid.NewString(),
		output:        out,
		transcriber:   transcriber,
		agent:         ag,
		synthesizer:   synthesizer,
		events:        events.Discard,
		logger:        logger,
		chunkDuration: DefaultChunkDuration,
		transcript:    transcript.New(),
		turns:         make(map[*worker.Signal]*turn),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conversation_id", c.id)

	if got, want := synthesizer.Config().Encoding, out.EncodingInfo(); got != want {
		c.logger.Warn("synthesizer and output encodings differ", "synthesizer", got, "output", want)
	}

	workerOpts := worker.WithLogger(c.logger)
	c.transcriptions = worker.NewQueueWorker("transcriptions", transcriber.Output(), nil, c.handleTranscription, workerOpts)
	c.agentResponses = worker.NewInterruptibleWorker("agent responses", ag.Output(), nil, c.synthesize, workerOpts)
	c.synthesisResults = worker.NewInterruptibleWorker("synthesis results", c.agentResponses.Output(), nil, c.play, workerOpts)

	return c
}

func (c *StreamingConversation) ID() string   { return c.id }
func (c *StreamingConversation) State() State { return c.state.get() }

// Transcript is the read view of everything said so far.
func (c *StreamingConversation) Transcript() *transcript.Transcript { return c.transcript }

// Done is closed once the conversation has fully terminated.
func (c *StreamingConversation) Done() <-chan struct{} { return c.done }

// Start opens the transcriber and starts every stage. Cancelling ctx
// terminates the conversation.
func (c *StreamingConversation) Start(ctx context.Context) error {
	if c.state.get() == StateTerminated {
		return ErrTerminated
	}

	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *StreamingConversation) start(parent context.Context) error {
	ctx, span := tracer.Start(parent, "start conversation",
		trace.WithAttributes(attribute.String("conversation.id", c.id)))
	defer span.End()

	if err := c.transcriber.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start transcriber: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.Terminate()
		return err
	}

	runCtx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.agent.Start(runCtx)
	c.transcriptions.Start(runCtx)
	c.agentResponses.Start(runCtx)
	c.synthesisResults.Start(runCtx)
	context.AfterFunc(parent, c.Terminate)

	c.touch()
	c.state.set(StateListening)

	config := c.agent.Config()
	if config.InitialMessage != "" {
		c.sendInitialMessage(config.InitialMessage, !config.NonInterruptible)
	}
	if config.AllowedIdleTime > 0 {
		go c.watchIdle(runCtx, config.AllowedIdleTime)
	}

	c.logger.Info("conversation started")
	return nil
}

// ReceiveAudio forwards inbound audio to the transcriber. It never blocks.
func (c *StreamingConversation) ReceiveAudio(chunk []byte) {
	if len(chunk) == 0 || c.state.get() == StateTerminated {
		return
	}
	c.transcriber.SendAudio(chunk)
}

// Terminate stops every stage, cancels whatever the bot was doing and
// releases the output device and synthesizer. Calling it again does nothing.
func (c *StreamingConversation) Terminate() {
	c.terminateOnce.Do(func() {
		c.state.set(StateTerminated)
		c.logger.Info("terminating conversation")

		c.mu.Lock()
		for _, t := range c.turns {
			t.stopFiller()
			if t.interruptible {
				t.signal.Set()
			}
		}
		cancel := c.cancel
		c.mu.Unlock()

		c.transcriber.Terminate()
		c.agent.Terminate()
		c.transcriptions.Terminate()
		c.agentResponses.Terminate()
		c.synthesisResults.Terminate()
		if cancel != nil {
			cancel()
		}
		<-c.transcriptions.Done()
		<-c.agentResponses.Done()
		<-c.synthesisResults.Done()

		c.output.Terminate()
		if err := c.synthesizer.Close(); err != nil {
			c.logger.Warn("failed to close synthesizer", "error", err)
		}

		c.events.Publish(events.NewTranscriptComplete(c.id, c.transcript.Entries()))
		close(c.done)
	})
}

func (c *StreamingConversation) handleTranscription(ctx context.Context, transcription speechtotext.Transcription, _ *worker.Queue[struct{}]) error {
	text := strings.TrimSpace(transcription.Message)
	if text == "" {
		return nil
	}
	if !transcription.IsFinal {
		c.logger.Debug("interim transcription", "text", text)
		return nil
	}

	_, span := tracer.Start(ctx, "handle transcription",
		trace.WithAttributes(attribute.Float64("transcription.confidence", transcription.Confidence)))
	defer span.End()

	c.touch()
	c.record(transcript.SpeakerHuman, text)

	interrupted := c.bargeIn()
	span.SetAttributes(attribute.Bool("transcription.is_interrupt", interrupted))

	interruptible := !c.agent.Config().NonInterruptible
	event := worker.NewInterruptibleEvent(agent.Input{
		ConversationID: c.id,
		Text:           text,
		IsInterrupt:    interrupted,
	}, interruptible)
	t := c.newTurn(event.Signal(), interruptible, true)

	c.state.set(StateThinking)
	c.agent.ConsumeNonblocking(event)
	c.armFiller(t)
	return nil
}

// bargeIn cuts off the current turn. What was heard of the fragment being
// played is recorded and the agent's memory is rewritten to match. It
// reports whether the bot was actually interrupted.
func (c *StreamingConversation) bargeIn() bool {
	busy := c.state.get() == StateSpeaking || c.state.get() == StateThinking

	c.mu.Lock()
	current := c.currentTurn
	if current == nil || !current.interruptible || current.signal.IsSet() {
		c.mu.Unlock()
		return false
	}
	current.stopFiller()

	var heard string
	cut := false
	if p := c.playing; p != nil && p.speech.turn == current && p.interruptible && !p.recorded {
		p.recorded = true
		cut = !p.speech.filler
		if cut {
			heard = p.speech.result.MessageUpTo(p.elapsed())
			current.appendSpoken(heard)
		}
	}
	unplayed := current.received > current.finished
	updateMemory := current.fromAgent && (cut || unplayed)
	spoken := strings.Join(current.spoken, " ")
	c.mu.Unlock()

	current.signal.Set()
	c.agent.CancelCurrentTask()
	c.agentResponses.CancelCurrentTask()
	c.synthesisResults.CancelCurrentTask()
	if clearer, ok := c.output.(output.BufferClearer); ok {
		clearer.ClearBuffer()
	}

	if cut {
		c.record(transcript.SpeakerBot, heard)
	}
	if updateMemory {
		c.agent.UpdateLastBotMessageOnCutOff(spoken)
	}

	interrupted := busy || cut || unplayed
	if interrupted {
		c.logger.Info("human interrupted the bot", "heard", heard)
	}
	return interrupted
}

func (c *StreamingConversation) synthesize(ctx context.Context, event *worker.InterruptibleEvent[agent.Response], out *worker.Queue[*worker.InterruptibleEvent[*speech]]) error {
	t := c.turnFor(event.Signal(), event.IsInterruptible())

	switch response := event.Payload.(type) {
	case agent.Message:
		c.mu.Lock()
		t.received++
		t.stopFiller()
		c.mu.Unlock()

		_, span := tracer.Start(ctx, "synthesize fragment",
			trace.WithAttributes(attribute.Int("fragment.length", len(response.Text))))
		defer span.End()

		// Synthesizers may produce audio lazily while the fragment plays,
		// long after this task has returned.
		speechCtx, release := c.speechContext(event.Signal(), event.IsInterruptible())
		speechCtx = trace.ContextWithSpan(speechCtx, span)

		result, err := c.synthesizer.CreateSpeech(speechCtx, response.Text, c.chunkSize())
		if err != nil {
			release()
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to synthesize fragment")
			return err
		}
		out.Put(worker.NewInterruptibleEventWithSignal(
			&speech{text: response.Text, result: result, turn: t, release: release},
			event.IsInterruptible(), event.Signal()))

	case agent.FillerRequest:
		c.sendFiller(t, true)

	case agent.Stop:
		out.Put(worker.NewInterruptibleEvent(&speech{turn: t, stop: true}, false))
	}
	return nil
}

// speechContext lives as long as the conversation runs, or until signal is
// set for interruptible speech.
func (c *StreamingConversation) speechContext(signal *worker.Signal, interruptible bool) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	parent := c.runCtx
	c.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	if interruptible && signal != nil {
		go func() {
			select {
			case <-signal.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

func (c *StreamingConversation) play(ctx context.Context, event *worker.InterruptibleEvent[*speech], _ *worker.Queue[struct{}]) error {
	sp := event.Payload
	defer sp.done()
	if sp.stop {
		c.logger.Info("agent ended the conversation")
		go c.Terminate()
		return nil
	}

	ctx, span := tracer.Start(ctx, "play fragment",
		trace.WithAttributes(attribute.Bool("fragment.filler", sp.filler)))
	defer span.End()

	p := &playback{speech: sp, interruptible: event.IsInterruptible(), start: time.Now()}
	c.mu.Lock()
	c.playing = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.playing == p {
			c.playing = nil
		}
		c.mu.Unlock()
	}()

	encoding := c.output.EncodingInfo()
	header := 0
	if c.synthesizer.Config().EncodeAsWAV {
		header = audio.WAVHeaderSize
	}

	for result, err := range sp.result.Chunks() {
		if err != nil {
			c.finishPlayback(p, false)
			span.RecordError(err)
			span.SetStatus(codes.Error, "synthesis failed mid fragment")
			return err
		}
		if ctx.Err() != nil {
			c.finishPlayback(p, false)
			return ctx.Err()
		}

		var sent time.Duration
		if len(result.Chunk) > 0 {
			c.state.set(StateSpeaking)
			c.output.SendNonblocking(result.Chunk)
			c.touch()

			c.mu.Lock()
			p.sent += encoding.Duration(max(0, len(result.Chunk)-header))
			sent = p.sent
			c.mu.Unlock()
		}

		// Chunks go out no faster than they play.
		select {
		case <-ctx.Done():
			c.finishPlayback(p, false)
			return ctx.Err()
		case <-time.After(time.Until(p.start.Add(sent))):
		}
	}

	c.finishPlayback(p, true)
	c.settle()
	return nil
}

// finishPlayback records what was heard of p unless a barge-in already did.
func (c *StreamingConversation) finishPlayback(p *playback, complete bool) {
	c.mu.Lock()
	if p.recorded || p.speech.filler {
		p.recorded = true
		c.mu.Unlock()
		return
	}
	p.recorded = true

	t := p.speech.turn
	heard := p.speech.text
	if complete {
		t.finished++
	} else {
		heard = p.speech.result.MessageUpTo(p.elapsed())
	}
	t.appendSpoken(heard)
	spoken := strings.Join(t.spoken, " ")
	c.mu.Unlock()

	c.record(transcript.SpeakerBot, heard)
	if !complete && t.fromAgent {
		c.agent.UpdateLastBotMessageOnCutOff(spoken)
	}
}

// settle returns to listening once nothing else is queued to be said.
func (c *StreamingConversation) settle() {
	if c.synthesisResults.Input().Len() > 0 || c.agentResponses.Input().Len() > 0 || c.agentResponses.IsBusy() {
		return
	}
	c.state.transition(StateSpeaking, StateListening)
}

func (c *StreamingConversation) sendInitialMessage(message string, interruptible bool) {
	signal := worker.NewSignal()
	c.newTurn(signal, interruptible, false)
	c.agentResponses.Send(worker.NewInterruptibleEventWithSignal[agent.Response](
		agent.Message{Text: message}, interruptible, signal))
}

func (c *StreamingConversation) armFiller(t *turn) {
	config := c.agent.Config()
	if !config.SendFillerAudio || len(c.synthesizer.FillerAudios()) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.fillerTimer = time.AfterFunc(config.FillerSilenceThreshold, func() { c.sendFiller(t, false) })
}

// sendFiller queues a random filler for t. Unless requested by the agent,
// it is skipped once the agent has started answering.
func (c *StreamingConversation) sendFiller(t *turn, requested bool) {
	fillers := c.synthesizer.FillerAudios()
	if len(fillers) == 0 || c.state.get() == StateTerminated {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.signal.IsSet() || (!requested && t.received > 0) {
		return
	}

	filler := fillers[rand.IntN(len(fillers))]
	c.synthesisResults.Send(worker.NewInterruptibleEventWithSignal(
		&speech{text: filler.Message, result: filler.SynthesisResult(), turn: t, filler: true},
		t.interruptible && filler.Interruptible, t.signal))
}

func (c *StreamingConversation) newTurn(signal *worker.Signal, interruptible, fromAgent bool) *turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Earlier turns are only kept while they still have audio to play.
	// Non-interruptible turns never have their signal set.
	for s, t := range c.turns {
		if s.IsSet() || t.settled() {
			delete(c.turns, s)
		}
	}

	t := &turn{signal: signal, interruptible: interruptible, fromAgent: fromAgent}
	c.turns[signal] = t
	c.currentTurn = t
	return t
}

// turnFor finds the turn signal belongs to. A turn pruned while its agent
// was still answering is registered again, without becoming current.
func (c *StreamingConversation) turnFor(signal *worker.Signal, interruptible bool) *turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.turns[signal]; ok {
		return t
	}
	t := &turn{signal: signal, interruptible: interruptible, fromAgent: true}
	c.turns[signal] = t
	if c.currentTurn == nil {
		c.currentTurn = t
	}
	return t
}

func (c *StreamingConversation) chunkSize() int {
	return texttospeech.ChunkSizeFor(c.output.EncodingInfo(), c.chunkDuration)
}

func (c *StreamingConversation) record(speaker transcript.Speaker, text string) {
	if entry, ok := c.transcript.Add(speaker, text); ok {
		c.events.Publish(events.NewTranscriptUpdated(c.id, entry))
	}
}

func (c *StreamingConversation) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *StreamingConversation) watchIdle(ctx context.Context, allowed time.Duration) {
	timer := time.NewTimer(allowed)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle >= allowed {
				c.logger.Info("ending idle conversation", "idle", idle)
				c.Terminate()
				return
			}
			timer.Reset(allowed - idle)
		}
	}
}
