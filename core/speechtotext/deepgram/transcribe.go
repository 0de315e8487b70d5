package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"github.com/koscakluka/ema-calls/core/worker"
	"github.com/koscakluka/ema-calls/internal/utils"
)

const (
	Type = "transcriber_deepgram"

	defaultListenURL = "wss://api.deepgram.com/v1/listen"
)

type Option func(*Transcriber)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithListenURL overrides the websocket endpoint, mostly for tests.
func WithListenURL(listenURL string) Option {
	return func(t *Transcriber) { t.listenURL = listenURL }
}

// Transcriber streams audio to the deepgram listen API. Audio goes out
// through its own stage so callers never wait on the socket.
type Transcriber struct {
	config    speechtotext.Config
	encoding  audio.EncodingInfo
	apiKey    string
	listenURL string
	logger    *slog.Logger

	output *worker.Queue[speechtotext.Transcription]
	sender *worker.QueueWorker[[]byte, struct{}]

	conn      *websocket.Conn
	connMu    sync.Mutex
	lastMsgTs atomic.Int64

	// Only touched by the read loop.
	accumulatedTranscript string
	accumulatedConfidence float64
	accumulatedSegments   int

	cancel        context.CancelFunc
	terminateOnce sync.Once
}

func NewTranscriber(config speechtotext.Config, opts ...Option) (*Transcriber, error) {
	config = config.WithDefaults()
	if err := validateListenEncoding(config.Encoding); err != nil {
		return nil, errs.NewConfigError("encoding", err)
	}

	t := &Transcriber{
		config:    config,
		encoding:  config.Encoding,
		apiKey:    config.APIKey,
		listenURL: defaultListenURL,
		logger:    logger,
		output:    worker.NewQueue[speechtotext.Transcription](),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.apiKey == "" {
		var ok bool
		if t.apiKey, ok = os.LookupEnv("DEEPGRAM_API_KEY"); !ok {
			return nil, errs.NewConfigError("DEEPGRAM_API_KEY", errs.ErrMissing)
		}
	}

	t.sender = worker.NewQueueWorker("deepgram audio", nil, nil,
		func(_ context.Context, chunk []byte, _ *worker.Queue[struct{}]) error {
			t.lastMsgTs.Store(time.Now().UnixNano())
			return t.write(websocket.BinaryMessage, chunk)
		}, worker.WithLogger(t.logger))

	return t, nil
}

func (t *Transcriber) Config() speechtotext.Config { return t.config }

func (t *Transcriber) Output() *worker.Queue[speechtotext.Transcription] { return t.output }

func (t *Transcriber) SendAudio(chunk []byte) { t.sender.Send(chunk) }

func (t *Transcriber) Start(ctx context.Context) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	ctx, t.cancel = context.WithCancel(ctx)
	t.lastMsgTs.Store(time.Now().UnixNano())
	t.sender.Start(ctx)
	go t.readAndProcessMessages(ctx, conn)
	go t.generateSilence(ctx)

	return nil
}

func (t *Transcriber) Terminate() {
	t.terminateOnce.Do(func() {
		t.sender.Terminate()

		if err := t.writeJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
			t.logger.Debug("failed to close deepgram stream", "error", err)
		}

		if t.cancel != nil {
			t.cancel()
		}

		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()
	})
}

func (t *Transcriber) connect(ctx context.Context) (*websocket.Conn, error) {
	listenURL, err := url.Parse(t.listenURL)
	if err != nil {
		return nil, errs.NewConfigError("listen url", err)
	}

	model := t.config.Model
	if model == "" {
		model = "nova-3"
	}
	language := t.config.Language
	if language == "" {
		language = "en-US"
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", t.encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(t.encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", model)
	queryParams.Set("language", language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("vad_events", "true")
	queryParams.Set("endpointing", strconv.Itoa(int(t.config.Endpointing.Milliseconds())))
	listenURL.RawQuery = queryParams.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + t.apiKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errs.NewConfigError("DEEPGRAM_API_KEY", fmt.Errorf("rejected by deepgram"))
		}
		return nil, errs.NewTransportError("deepgram connect", fmt.Errorf("failed to open socket connection to deepgram: %w", err))
	}

	return conn, nil
}

func (t *Transcriber) write(messageType int, data []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return errs.NewTransportError("deepgram write", fmt.Errorf("connection closed"))
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return errs.NewTransportError("deepgram write", err)
	}
	return nil
}

func (t *Transcriber) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

func (t *Transcriber) readAndProcessMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error("failed to read deepgram websocket message", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			t.processMessage(msg)
		}
	}
}

func (t *Transcriber) processMessage(msg []byte) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		t.logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			t.logger.Warn("failed to unmarshal deepgram message", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}

		alternative := msgResp.Channel.Alternatives[0]
		transcript := strings.TrimSpace(alternative.Transcript)
		if !msgResp.IsFinal {
			if transcript != "" {
				t.output.Put(speechtotext.Transcription{
					Message:    strings.TrimSpace(t.accumulatedTranscript + " " + transcript),
					Confidence: alternative.Confidence,
				})
			}
			return
		}

		if transcript != "" {
			t.accumulatedTranscript += " " + transcript
			t.accumulatedConfidence += alternative.Confidence
			t.accumulatedSegments++
		}
		if msgResp.SpeechFinal {
			t.flushUtterance()
		}

	case api.TypeUtteranceEndResponse:
		t.flushUtterance()
	}
}

func (t *Transcriber) flushUtterance() {
	transcript := strings.TrimSpace(t.accumulatedTranscript)
	confidence := 0.0
	if t.accumulatedSegments > 0 {
		confidence = t.accumulatedConfidence / float64(t.accumulatedSegments)
	}
	t.accumulatedTranscript = ""
	t.accumulatedConfidence = 0
	t.accumulatedSegments = 0

	if transcript != "" {
		t.output.Put(speechtotext.Transcription{Message: transcript, Confidence: confidence, IsFinal: true})
	}
}

// generateSilence keeps the session open while no audio flows: short
// silence right after audio stops so endpointing can fire, then periodic
// keep-alive messages.
func (t *Transcriber) generateSilence(ctx context.Context) {
	type silenceGeneratorState string
	const (
		silenceGeneratorStateWaiting   silenceGeneratorState = "waiting"
		silenceGeneratorStateSilence   silenceGeneratorState = "silence"
		silenceGeneratorStateKeepAlive silenceGeneratorState = "keepAlive"
	)

	const duration = 50 * time.Millisecond
	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	chunk := t.config.Encoding.Silence(int(t.config.Encoding.BytesPerSecond() * int(duration.Milliseconds()) / 1000))
	sinceLastMsg := func() time.Duration {
		return time.Since(time.Unix(0, t.lastMsgTs.Load()))
	}

	var state = silenceGeneratorStateWaiting
	var firstSilenceTime *time.Time
	var lastKeepAliveTime *time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch state {
			case silenceGeneratorStateWaiting:
				if sinceLastMsg() > duration {
					state = silenceGeneratorStateSilence
					firstSilenceTime = utils.Ptr(time.Now())
				}

			case silenceGeneratorStateSilence:
				if sinceLastMsg() < duration {
					state = silenceGeneratorStateWaiting
					firstSilenceTime = nil
					continue
				}
				if time.Since(*firstSilenceTime) >= time.Second {
					state = silenceGeneratorStateKeepAlive
					lastKeepAliveTime = utils.Ptr(time.Now())
					firstSilenceTime = nil
					continue
				}

				if err := t.write(websocket.BinaryMessage, chunk); err != nil {
					t.logger.Debug("failed to send silence", "error", err)
				}

			case silenceGeneratorStateKeepAlive:
				if sinceLastMsg() < duration {
					state = silenceGeneratorStateWaiting
					continue
				}

				if time.Since(*lastKeepAliveTime) >= 5*time.Second {
					lastKeepAliveTime = utils.Ptr(time.Now())
					if err := t.writeJSON(struct {
						Type string `json:"type"`
					}{Type: "KeepAlive"}); err != nil {
						t.logger.Debug("failed to send keep alive", "error", err)
					}
				}
			}
		}
	}
}
