package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

// StreamingSynthesizer speaks through the websocket API so audio starts
// flowing before the whole message is rendered. Since the final length is
// unknown while playing, cutoffs are estimated from the speaking rate.
type StreamingSynthesizer struct {
	*client
}

func NewStreamingSynthesizer(ctx context.Context, config texttospeech.Config, opts ...Option) (*StreamingSynthesizer, error) {
	c, err := newClient(ctx, config, opts...)
	if err != nil {
		return nil, err
	}
	return &StreamingSynthesizer{client: c}, nil
}

func (s *StreamingSynthesizer) CreateSpeech(ctx context.Context, message string, chunkSize int) (*texttospeech.SynthesisResult, error) {
	wordsPerMinute := s.config.WordsPerMinute
	return texttospeech.NewSynthesisResult(
		s.streamChunks(ctx, message, chunkSize),
		func(elapsed time.Duration) string {
			return texttospeech.CutoffFromVoiceSpeed(message, elapsed, wordsPerMinute)
		},
	), nil
}

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func speakMsg(text string) websocketMessage { return websocketMessage{Type: "Speak", Text: text} }

func (s *StreamingSynthesizer) streamChunks(ctx context.Context, message string, chunkSize int) iter.Seq2[texttospeech.ChunkResult, error] {
	return func(yield func(texttospeech.ChunkResult, error) bool) {
		ctx, span := tracer.Start(ctx, "stream speech")
		defer span.End()

		conn, err := s.connect(ctx)
		if err != nil {
			span.RecordError(err)
			yield(texttospeech.ChunkResult{}, err)
			return
		}
		defer conn.Close()
		// ReadMessage does not take a context, closing the socket unblocks it.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		if err := conn.WriteJSON(speakMsg(message)); err != nil {
			yield(texttospeech.ChunkResult{}, errs.NewTransportError("deepgram speak", err))
			return
		}
		if err := conn.WriteJSON(flushMsg); err != nil {
			yield(texttospeech.ChunkResult{}, errs.NewTransportError("deepgram flush", err))
			return
		}

		transform := s.chunkTransform()
		emit := func(chunk []byte, last bool) bool {
			if transform != nil {
				var err error
				if chunk, err = transform(chunk); err != nil {
					yield(texttospeech.ChunkResult{}, err)
					return false
				}
			}
			return yield(texttospeech.ChunkResult{Chunk: chunk, IsLastChunk: last}, nil)
		}

		var pending []byte
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					yield(texttospeech.ChunkResult{}, ctx.Err())
					return
				}
				yield(texttospeech.ChunkResult{}, errs.NewTransportError("deepgram read", err))
				return
			}

			switch msgType {
			case websocket.BinaryMessage:
				pending = append(pending, msg...)
				for chunkSize > 0 && len(pending) > chunkSize {
					if !emit(pending[:chunkSize:chunkSize], false) {
						_ = conn.WriteJSON(clearMsg)
						return
					}
					pending = pending[chunkSize:]
				}

			case websocket.TextMessage:
				var parsedMsg websocketMessage
				if err := json.Unmarshal(msg, &parsedMsg); err != nil {
					s.logger.Debug("failed to unmarshal deepgram message", "error", err)
					continue
				}

				switch parsedMsg.Type {
				case "Flushed":
					_ = conn.WriteJSON(closeMsg)
					emit(pending, true)
					return
				case "Warning", "Error":
					s.logger.Warn("deepgram speak reported a problem", "message", string(msg))
				}
			}
		}
	}
}

func (s *StreamingSynthesizer) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL := s.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL+"/v1/speak?"+s.speakQuery().Encode(),
		http.Header{"Authorization": {"Token " + s.apiKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errs.NewConfigError("DEEPGRAM_API_KEY", errors.New("rejected by deepgram"))
		}
		return nil, errs.NewTransportError("deepgram connect", fmt.Errorf("failed to open socket connection to deepgram: %w", err))
	}
	return conn, nil
}
