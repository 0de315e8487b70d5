package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/speechtotext"
)

func TestNewTranscriberRejectsUnsupportedEncoding(t *testing.T) {
	_, err := NewTranscriber(speechtotext.Config{
		Encoding: audio.EncodingInfo{SampleRate: 11025, Format: audio.EncodingLinear16},
	})
	if !errs.IsConfig(err) {
		t.Fatalf("expected config error for unsupported sample rate, got %v", err)
	}
}

func TestTranscriberEmitsInterimAndFinalResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAudio := make(chan []byte, 1)
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Skip keep-alive silence until the real chunk arrives.
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage && len(msg) == 3 {
				gotAudio <- msg
				break
			}
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.5}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.8}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	transcriber, err := NewTranscriber(speechtotext.Config{
		Encoding: audio.GetTelephonyEncodingInfo(),
		APIKey:   "test-key",
	}, WithListenURL("ws"+strings.TrimPrefix(server.URL, "http")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transcriber.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer transcriber.Terminate()

	transcriber.SendAudio([]byte{1, 2, 3})
	select {
	case chunk := <-gotAudio:
		if len(chunk) != 3 {
			t.Fatalf("expected forwarded audio, got %v", chunk)
		}
	case <-ctx.Done():
		t.Fatalf("expected audio to reach the server")
	}

	interim, err := transcriber.Output().Get(ctx)
	if err != nil {
		t.Fatalf("expected interim transcription, got %v", err)
	}
	if interim.IsFinal || interim.Message != "hello" {
		t.Fatalf("expected interim hello, got %+v", interim)
	}

	final, err := transcriber.Output().Get(ctx)
	if err != nil {
		t.Fatalf("expected final transcription, got %v", err)
	}
	if !final.IsFinal || final.Message != "hello there" || final.Confidence != 0.8 {
		t.Fatalf("expected final hello there, got %+v", final)
	}

	if !strings.Contains(gotQuery, "encoding=mulaw") || !strings.Contains(gotQuery, "sample_rate=8000") {
		t.Fatalf("expected encoding parameters in query, got %q", gotQuery)
	}
}
