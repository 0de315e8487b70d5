package conversation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/agent/echo"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	"github.com/koscakluka/ema-calls/core/transcript"
	"github.com/koscakluka/ema-calls/core/worker"
)

type fakeTranscriber struct {
	output     *worker.Queue[speechtotext.Transcription]
	audio      atomic.Int32
	terminated atomic.Bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{output: worker.NewQueue[speechtotext.Transcription]()}
}

func (f *fakeTranscriber) Start(context.Context) error { return nil }
func (f *fakeTranscriber) SendAudio([]byte)            { f.audio.Add(1) }
func (f *fakeTranscriber) Terminate()                  { f.terminated.Store(true) }
func (f *fakeTranscriber) Config() speechtotext.Config { return speechtotext.Config{} }
func (f *fakeTranscriber) Output() *worker.Queue[speechtotext.Transcription] {
	return f.output
}

func (f *fakeTranscriber) say(text string) {
	f.output.Put(speechtotext.Transcription{Message: text, Confidence: 1, IsFinal: true})
}

type fakeDevice struct {
	mu         sync.Mutex
	data       []byte
	cleared    atomic.Int32
	terminated atomic.Bool
}

func (d *fakeDevice) SendNonblocking(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, chunk...)
}

func (d *fakeDevice) played() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

func (d *fakeDevice) ClearBuffer()                     { d.cleared.Add(1) }
func (d *fakeDevice) Terminate()                       { d.terminated.Store(true) }
func (d *fakeDevice) EncodingInfo() audio.EncodingInfo { return audio.GetTelephonyEncodingInfo() }

// fakeSynthesizer fills a fragment's audio with its first letter, so tests
// can tell fragments apart on the output.
type fakeSynthesizer struct {
	bytesPerChar int
	fillers      []texttospeech.FillerAudio
	closed       atomic.Bool
	// lazy renders audio only while chunks are consumed, under the
	// context CreateSpeech was given, the way streaming synthesizers do.
	lazy         bool
}

func (s *fakeSynthesizer) CreateSpeech(ctx context.Context, message string, chunkSize int) (*texttospeech.SynthesisResult, error) {
	data := bytes.Repeat([]byte{message[0]}, len(message)*s.bytesPerChar)
	sampleRate := audio.GetTelephonyEncodingInfo().SampleRate
	chunks := texttospeech.ChunkAudio(data, chunkSize, nil)
	if s.lazy {
		eager := chunks
		chunks = func(yield func(texttospeech.ChunkResult, error) bool) {
			for result, err := range eager {
				if ctx.Err() != nil {
					yield(texttospeech.ChunkResult{}, ctx.Err())
					return
				}
				if !yield(result, err) {
					return
				}
			}
		}
	}
	return texttospeech.NewSynthesisResult(
		chunks,
		func(elapsed time.Duration) string {
			return texttospeech.CutoffFromTotalResponseLength(message, elapsed, len(data), sampleRate)
		},
	), nil
}

func (s *fakeSynthesizer) Config() texttospeech.Config {
	return texttospeech.Config{Encoding: audio.GetTelephonyEncodingInfo()}
}
func (s *fakeSynthesizer) FillerAudios() []texttospeech.FillerAudio { return s.fillers }
func (s *fakeSynthesizer) Close() error                            { s.closed.Store(true); return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPublisher) count(kind events.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, event := range p.events {
		if event.Kind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	transcriber  *fakeTranscriber
	device       *fakeDevice
	synthesizer  *fakeSynthesizer
	publisher    *recordingPublisher
	conversation *StreamingConversation
}

func newHarness(t *testing.T, ag agent.Agent, synthesizer *fakeSynthesizer) *harness {
	t.Helper()
	h := &harness{
		transcriber: newFakeTranscriber(),
		device:      &fakeDevice{},
		synthesizer: synthesizer,
		publisher:   &recordingPublisher{},
	}
	h.conversation = NewStreamingConversation(h.device, h.transcriber, ag, synthesizer,
		WithID("test"), WithEvents(h.publisher), WithChunkDuration(10*time.Millisecond))
	if err := h.conversation.Start(context.Background()); err != nil {
		t.Fatalf("failed to start conversation: %v", err)
	}
	t.Cleanup(h.conversation.Terminate)
	return h
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entriesOf(tr *transcript.Transcript) []string {
	var lines []string
	for _, entry := range tr.Entries() {
		lines = append(lines, entry.String())
	}
	return lines
}

func TestConversationSpeaksAgentResponse(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{}), &fakeSynthesizer{bytesPerChar: 8})

	h.conversation.ReceiveAudio([]byte{1, 2, 3})
	h.transcriber.say("hello")

	waitFor(t, "bot reply in transcript", func() bool { return h.conversation.Transcript().Len() == 2 })

	lines := entriesOf(h.conversation.Transcript())
	if lines[0] != "Human: hello" || lines[1] != "Bot: hello" {
		t.Fatalf("unexpected transcript %v", lines)
	}
	if got := len(h.device.played()); got != len("hello")*8 {
		t.Fatalf("expected the whole fragment to be played, got %d bytes", got)
	}
	if got := h.transcriber.audio.Load(); got != 1 {
		t.Fatalf("expected inbound audio to reach the transcriber, got %d chunks", got)
	}
	waitFor(t, "listening state", func() bool { return h.conversation.State() == StateListening })
}

func TestLazySynthesisPlaysAfterAgentTaskEnds(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{}), &fakeSynthesizer{bytesPerChar: 8, lazy: true})

	h.transcriber.say("hello")

	waitFor(t, "bot reply in transcript", func() bool { return h.conversation.Transcript().Len() == 2 })
	if lines := entriesOf(h.conversation.Transcript()); lines[1] != "Bot: hello" {
		t.Fatalf("unexpected transcript %v", lines)
	}
	if got := len(h.device.played()); got != len("hello")*8 {
		t.Fatalf("expected lazily synthesized audio to be played, got %d bytes", got)
	}
}

func TestFinishedNonInterruptibleTurnsArePruned(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{NonInterruptible: true}), &fakeSynthesizer{bytesPerChar: 1})

	for i, text := range []string{"one", "two", "three", "four", "five"} {
		h.transcriber.say(text)
		want := 2 * (i + 1)
		waitFor(t, "bot reply to "+text, func() bool { return h.conversation.Transcript().Len() == want })
	}

	h.conversation.mu.Lock()
	turns := len(h.conversation.turns)
	h.conversation.mu.Unlock()
	if turns > 2 {
		t.Fatalf("expected finished turns to be pruned, %d are still tracked", turns)
	}
}

func TestBargeInRecordsOnlyHeardPrefix(t *testing.T) {
	respond := func(_ context.Context, input agent.Input, _ []agent.Turn, emit func(agent.Response) bool) error {
		if input.Text == "tell me a story" {
			emit(agent.Message{Text: "once upon a time there was a very long story"})
			emit(agent.Message{Text: "zebras came later"})
			return nil
		}
		emit(agent.Message{Text: "ok"})
		return nil
	}
	ag := agent.NewBase(agent.Config{}, respond)
	h := newHarness(t, ag, &fakeSynthesizer{bytesPerChar: 200})

	h.transcriber.say("tell me a story")
	waitFor(t, "bot to start speaking", func() bool { return h.conversation.State() == StateSpeaking })
	time.Sleep(200 * time.Millisecond)

	h.transcriber.say("stop please")
	waitFor(t, "reply to the interruption", func() bool { return h.conversation.Transcript().Len() == 4 })

	lines := entriesOf(h.conversation.Transcript())
	if lines[0] != "Human: tell me a story" || lines[1] != "Human: stop please" || lines[3] != "Bot: ok" {
		t.Fatalf("unexpected transcript %v", lines)
	}
	heard := strings.TrimPrefix(lines[2], "Bot: ")
	full := "once upon a time there was a very long story"
	if heard == "" || heard == full || !strings.HasPrefix(full, heard) {
		t.Fatalf("expected a strict prefix of the first fragment, got %q", heard)
	}

	if bytes.IndexByte(h.device.played(), 'z') >= 0 {
		t.Fatalf("expected the unplayed fragment to be dropped")
	}
	if h.device.cleared.Load() == 0 {
		t.Fatalf("expected the output buffer to be cleared")
	}

	turns := ag.Memory().Turns()
	if len(turns) < 2 || turns[1].Role != agent.RoleBot || turns[1].Text != heard {
		t.Fatalf("expected agent memory to hold only what was heard, got %+v", turns)
	}
}

func TestFillerAudioPlaysWhenAgentIsSlow(t *testing.T) {
	respond := func(ctx context.Context, _ agent.Input, _ []agent.Turn, emit func(agent.Response) bool) error {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		emit(agent.Message{Text: "answer"})
		return nil
	}
	ag := agent.NewBase(agent.Config{SendFillerAudio: true, FillerSilenceThreshold: 20 * time.Millisecond}, respond)
	filler := texttospeech.FillerAudio{
		Message:       "Hmm...",
		Audio:         bytes.Repeat([]byte{'h'}, 40),
		Encoding:      audio.GetTelephonyEncodingInfo(),
		Interruptible: true,
		ChunkDuration: 10 * time.Millisecond,
	}
	h := newHarness(t, ag, &fakeSynthesizer{bytesPerChar: 8, fillers: []texttospeech.FillerAudio{filler}})

	h.transcriber.say("question")
	waitFor(t, "answer to play", func() bool { return h.conversation.Transcript().Len() == 2 })

	played := h.device.played()
	fillerAt, answerAt := bytes.IndexByte(played, 'h'), bytes.IndexByte(played, 'a')
	if fillerAt < 0 || answerAt < 0 || fillerAt > answerAt {
		t.Fatalf("expected filler before the answer, got filler at %d and answer at %d", fillerAt, answerAt)
	}
	for _, line := range entriesOf(h.conversation.Transcript()) {
		if strings.Contains(line, "Hmm") {
			t.Fatalf("expected filler to stay out of the transcript, got %q", line)
		}
	}
}

func TestNoFillerWhenAgentAnswersQuickly(t *testing.T) {
	ag := echo.New(agent.Config{SendFillerAudio: true, FillerSilenceThreshold: 200 * time.Millisecond})
	filler := texttospeech.FillerAudio{Message: "Hmm...", Audio: []byte{'h'}, Encoding: audio.GetTelephonyEncodingInfo()}
	h := newHarness(t, ag, &fakeSynthesizer{bytesPerChar: 8, fillers: []texttospeech.FillerAudio{filler}})

	h.transcriber.say("quick")
	waitFor(t, "answer to play", func() bool { return h.conversation.Transcript().Len() == 2 })
	time.Sleep(250 * time.Millisecond)

	if bytes.IndexByte(h.device.played(), 'h') >= 0 {
		t.Fatalf("expected no filler audio")
	}
}

func TestAgentStopEndsConversationAfterPlayback(t *testing.T) {
	respond := func(_ context.Context, _ agent.Input, _ []agent.Turn, emit func(agent.Response) bool) error {
		emit(agent.Message{Text: "goodbye then"})
		emit(agent.Stop{})
		return nil
	}
	h := newHarness(t, agent.NewBase(agent.Config{}, respond), &fakeSynthesizer{bytesPerChar: 8})

	h.transcriber.say("bye")

	select {
	case <-h.conversation.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the conversation to end")
	}

	lines := entriesOf(h.conversation.Transcript())
	if len(lines) != 2 || lines[1] != "Bot: goodbye then" {
		t.Fatalf("expected the last fragment to play in full, got %v", lines)
	}
	if h.conversation.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %s", h.conversation.State())
	}
}

func TestIdleTimeoutEndsConversation(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{AllowedIdleTime: 50 * time.Millisecond}), &fakeSynthesizer{bytesPerChar: 8})

	select {
	case <-h.conversation.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for idle timeout")
	}
	if !h.transcriber.terminated.Load() || !h.device.terminated.Load() || !h.synthesizer.closed.Load() {
		t.Fatalf("expected every collaborator to be released")
	}
}

func TestInitialMessageIsSpoken(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{InitialMessage: "welcome"}), &fakeSynthesizer{bytesPerChar: 8})

	waitFor(t, "initial message", func() bool { return h.conversation.Transcript().Len() == 1 })
	if lines := entriesOf(h.conversation.Transcript()); lines[0] != "Bot: welcome" {
		t.Fatalf("unexpected transcript %v", lines)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{}), &fakeSynthesizer{bytesPerChar: 8})

	h.conversation.Terminate()
	h.conversation.Terminate()

	select {
	case <-h.conversation.Done():
	default:
		t.Fatalf("expected Done to be closed after Terminate")
	}
	if got := h.publisher.count(events.KindTranscriptComplete); got != 1 {
		t.Fatalf("expected one transcript complete event, got %d", got)
	}

	h.conversation.ReceiveAudio([]byte{1})
	if got := h.transcriber.audio.Load(); got != 0 {
		t.Fatalf("expected audio after termination to be dropped, got %d chunks", got)
	}
	if err := h.conversation.Start(context.Background()); err != ErrTerminated {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}

func TestTranscriptUpdatesArePublished(t *testing.T) {
	h := newHarness(t, echo.New(agent.Config{}), &fakeSynthesizer{bytesPerChar: 8})

	h.transcriber.say("hi")
	waitFor(t, "two transcript events", func() bool { return h.publisher.count(events.KindTranscriptUpdated) == 2 })
}
