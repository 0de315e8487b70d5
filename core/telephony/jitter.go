package telephony

import (
	"time"

	"github.com/koscakluka/ema-calls/core/audio"
)

// JitterConfig describes how gaps between media timestamps are filled.
type JitterConfig struct {
	// Tolerance is the gap expected between consecutive frames. Anything
	// beyond it is filled with silence.
	Tolerance time.Duration
	// MaxFill bounds the silence inserted for a single gap. Zero means
	// DefaultMaxFill.
	MaxFill     time.Duration
	BytesPerMs  int
	SilenceByte byte
}

// DefaultMaxFill is the longest silence inserted in front of one frame.
const DefaultMaxFill = time.Second

// JitterConfigFor derives gap filling for 20 ms frames in encoding.
func JitterConfigFor(encoding audio.EncodingInfo) JitterConfig {
	return JitterConfig{
		Tolerance:   20 * time.Millisecond,
		MaxFill:     DefaultMaxFill,
		BytesPerMs:  encoding.BytesPerMillisecond(),
		SilenceByte: encoding.SilenceValue(),
	}
}

// gapFiller tracks media timestamps and produces the silence that has to be
// inserted in front of a late frame.
type gapFiller struct {
	config  JitterConfig
	started bool
	lastMs  int64
}

func newGapFiller(config JitterConfig) *gapFiller {
	return &gapFiller{config: config}
}

// next records timestampMs and returns the silence to forward before its
// frame, or nil when the frame is on time. Frames older than the newest one
// seen are out of order and never move the clock back.
func (g *gapFiller) next(timestampMs int64) []byte {
	if !g.started {
		g.started = true
		g.lastMs = timestampMs
		return nil
	}
	if timestampMs <= g.lastMs {
		return nil
	}

	gap := timestampMs - g.lastMs - g.config.Tolerance.Milliseconds()
	g.lastMs = timestampMs
	if gap <= 0 || g.config.BytesPerMs <= 0 {
		return nil
	}
	maxFill := g.config.MaxFill
	if maxFill <= 0 {
		maxFill = DefaultMaxFill
	}
	gap = min(gap, maxFill.Milliseconds())

	silence := make([]byte, int(gap)*g.config.BytesPerMs)
	if g.config.SilenceByte != 0 {
		for i := range silence {
			silence[i] = g.config.SilenceByte
		}
	}
	return silence
}
