package telephony

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/output"
)

type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameStart
	FrameMedia
	FrameStop
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameMedia:
		return "media"
	case FrameStop:
		return "stop"
	default:
		return "other"
	}
}

// Frame is one inbound transport message, classified.
type Frame struct {
	Kind     FrameKind
	StreamID string
	Payload  []byte
	// TimestampMs is the capture time of a media payload. It is only
	// meaningful when HasTimestamp is set.
	TimestampMs  int64
	HasTimestamp bool
}

// Protocol is one telephony provider's media stream dialect.
type Protocol interface {
	Name() string
	// Encoding is the audio format of the media stream in both directions.
	Encoding() audio.EncodingInfo
	ParseFrame(messageType int, data []byte) (Frame, error)
	// NewOutputDevice frames synthesized audio for the provider.
	NewOutputDevice(ctx context.Context, conn output.MessageWriter, streamID string, logger *slog.Logger) output.Device
}

func ProtocolFor(provider string) (Protocol, error) {
	switch provider {
	case ProviderTwilio:
		return Twilio{}, nil
	case ProviderVonage:
		return Vonage{}, nil
	default:
		return nil, fmt.Errorf("unknown telephony provider %q", provider)
	}
}
