package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

func testConfig() texttospeech.Config {
	return texttospeech.Config{
		Encoding:       audio.GetTelephonyEncodingInfo(),
		APIKey:         "test-key",
		WordsPerMinute: 60,
	}
}

func TestSynthesizerChunksRESTAudio(t *testing.T) {
	var gotQuery, gotAuth, gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(body, &req)
		gotText = req.Text
		_, _ = w.Write(bytes.Repeat([]byte{0x7f}, 8000))
	}))
	defer server.Close()

	synth, err := NewSynthesizer(context.Background(), testConfig(), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := synth.CreateSpeech(context.Background(), "abcdefghij", 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sizes []int
	for chunk, err := range result.Chunks() {
		if err != nil {
			t.Fatalf("unexpected chunk error: %v", err)
		}
		sizes = append(sizes, len(chunk.Chunk))
	}
	if len(sizes) != 3 || sizes[2] != 2000 {
		t.Fatalf("expected chunks [3000 3000 2000], got %v", sizes)
	}

	if gotAuth != "Token test-key" {
		t.Fatalf("expected token auth header, got %q", gotAuth)
	}
	if gotText != "abcdefghij" {
		t.Fatalf("expected message in request body, got %q", gotText)
	}
	if gotQuery == "" {
		t.Fatalf("expected encoding query parameters")
	}

	if got := result.MessageUpTo(500 * time.Millisecond); got != "abcde" {
		t.Fatalf("expected half of the message, got %q", got)
	}
}

func TestSynthesizerTranslatesHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	synth, err := NewSynthesizer(context.Background(), testConfig(), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := synth.CreateSpeech(context.Background(), "hello", 100); !errs.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSynthesizerRejectsUnknownVoice(t *testing.T) {
	config := testConfig()
	config.Voice = "not-a-voice"

	if _, err := NewSynthesizer(context.Background(), config); !errs.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSynthesizerPrecomputesFillers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{1, 2, 3})
	}))
	defer server.Close()

	config := testConfig()
	config.PrecomputeFillers = true
	synth, err := NewSynthesizer(context.Background(), config, WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(synth.FillerAudios()); got != len(texttospeech.FillerPhrases) {
		t.Fatalf("expected %d fillers, got %d", len(texttospeech.FillerPhrases), got)
	}
}

func TestSynthesizerReusesGivenFillers(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte{1, 2, 3})
	}))
	defer server.Close()

	config := testConfig()
	config.PrecomputeFillers = true
	fillers := []texttospeech.FillerAudio{{Message: "Um...", Audio: []byte{9}, Encoding: config.Encoding}}
	synth, err := NewSynthesizer(context.Background(), config, WithBaseURL(server.URL), WithFillerAudios(fillers))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := synth.FillerAudios(); len(got) != 1 || got[0].Message != "Um..." {
		t.Fatalf("expected the given palette, got %+v", got)
	}
	if got := requests.Load(); got != 0 {
		t.Fatalf("expected no synthesis requests, got %d", got)
	}
}

func TestStreamingSynthesizerRechunksSocketAudio(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg websocketMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "Flush":
				_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 150))
				_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 100))
				_ = conn.WriteJSON(websocketMessage{Type: "Flushed"})
			case "Close":
				return
			}
		}
	}))
	defer server.Close()

	synth, err := NewStreamingSynthesizer(context.Background(), testConfig(), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := synth.CreateSpeech(context.Background(), "the quick brown fox", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sizes []int
	var last bool
	for chunk, err := range result.Chunks() {
		if err != nil {
			t.Fatalf("unexpected chunk error: %v", err)
		}
		sizes = append(sizes, len(chunk.Chunk))
		last = chunk.IsLastChunk
	}

	if len(sizes) != 3 || sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Fatalf("expected chunks [100 100 50], got %v", sizes)
	}
	if !last {
		t.Fatalf("expected the final chunk to be marked last")
	}
	if got := result.MessageUpTo(time.Second); got != "the" {
		t.Fatalf("expected rate based cutoff, got %q", got)
	}
}
