package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/output"
)

const (
	vonageSampleRate  = 16000
	vonageContentType = "audio/l16;rate=16000"
)

// Vonage opens the socket with a JSON text message and then streams raw
// 16 kHz linear PCM as binary messages. Frames carry no timestamps.
type Vonage struct{}

type vonageMessage struct {
	Event       string `json:"event"`
	ContentType string `json:"content-type,omitempty"`
}

func (Vonage) Name() string { return ProviderVonage }

func (Vonage) Encoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: vonageSampleRate, Format: audio.EncodingLinear16}
}

func (Vonage) ParseFrame(messageType int, data []byte) (Frame, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return Frame{Kind: FrameMedia, Payload: data}, nil
	case websocket.TextMessage:
		var msg vonageMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Frame{}, fmt.Errorf("failed to decode vonage message: %w", err)
		}
		switch msg.Event {
		case "websocket:connected":
			return Frame{Kind: FrameStart}, nil
		case "websocket:disconnected":
			return Frame{Kind: FrameStop}, nil
		}
	}
	return Frame{Kind: FrameOther}, nil
}

func (v Vonage) NewOutputDevice(ctx context.Context, conn output.MessageWriter, _ string, logger *slog.Logger) output.Device {
	return output.NewWebsocketDevice(ctx, conn, v.Encoding(),
		output.WithLogger(logger),
		output.WithFrame(output.RawAudioFrame),
	)
}

type nccoEndpoint struct {
	Type        string            `json:"type"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content-type"`
	Headers     map[string]string `json:"headers"`
}

type nccoAction struct {
	Action   string         `json:"action"`
	Endpoint []nccoEndpoint `json:"endpoint"`
}

// connectNCCO tells Vonage to stream the call to the media websocket.
func connectNCCO(baseURL, conversationID string) []nccoAction {
	return []nccoAction{{
		Action: "connect",
		Endpoint: []nccoEndpoint{{
			Type:        "websocket",
			URI:         fmt.Sprintf("wss://%s/connect_call/%s", baseURL, conversationID),
			ContentType: vonageContentType,
			Headers:     map[string]string{},
		}},
	}}
}
