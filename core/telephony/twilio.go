package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/output"
)

// Twilio speaks the Media Streams protocol: JSON text messages with 8 kHz
// mulaw audio in base64.
type Twilio struct{}

type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
}

type twilioStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type twilioMedia struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (Twilio) Name() string { return ProviderTwilio }

func (Twilio) Encoding() audio.EncodingInfo { return audio.GetTelephonyEncodingInfo() }

func (Twilio) ParseFrame(messageType int, data []byte) (Frame, error) {
	if messageType != websocket.TextMessage {
		return Frame{Kind: FrameOther}, nil
	}

	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("failed to decode twilio message: %w", err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil || msg.Start.StreamSID == "" {
			return Frame{}, fmt.Errorf("twilio start message without stream sid")
		}
		return Frame{Kind: FrameStart, StreamID: msg.Start.StreamSID}, nil

	case "media":
		if msg.Media == nil {
			return Frame{}, fmt.Errorf("twilio media message without media")
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to decode twilio media payload: %w", err)
		}
		frame := Frame{Kind: FrameMedia, StreamID: msg.StreamSID, Payload: payload}
		if msg.Media.Timestamp != "" {
			timestamp, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("invalid twilio media timestamp %q: %w", msg.Media.Timestamp, err)
			}
			frame.TimestampMs, frame.HasTimestamp = timestamp, true
		}
		return frame, nil

	case "stop":
		return Frame{Kind: FrameStop, StreamID: msg.StreamSID}, nil

	default:
		return Frame{Kind: FrameOther, StreamID: msg.StreamSID}, nil
	}
}

func (Twilio) NewOutputDevice(ctx context.Context, conn output.MessageWriter, streamID string, logger *slog.Logger) output.Device {
	return output.NewWebsocketDevice(ctx, conn, audio.GetTelephonyEncodingInfo(),
		output.WithLogger(logger),
		output.WithFrame(func(chunk []byte) (int, []byte, error) {
			data, err := json.Marshal(twilioMessage{
				Event:     "media",
				StreamSID: streamID,
				Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(chunk)},
			})
			return websocket.TextMessage, data, err
		}),
		output.WithClearMessage(func() (int, []byte, error) {
			data, err := json.Marshal(twilioMessage{Event: "clear", StreamSID: streamID})
			return websocket.TextMessage, data, err
		}),
	)
}
