package texttospeech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koscakluka/ema-calls/core/audio"
)

// FillerPhrases are played to mask response latency.
var FillerPhrases = []string{
	"Um...",
	"Uh...",
	"Uh-huh...",
	"Mm-hmm...",
	"Hmm...",
	"Okay...",
	"Right...",
	"Let me see...",
}

// FillerAudio is a short pre-synthesized interjection.
type FillerAudio struct {
	Message       string
	Audio         []byte
	Encoding      audio.EncodingInfo
	EncodeAsWAV   bool
	Interruptible bool
	ChunkDuration time.Duration
}

// SynthesisResult replays the filler. Whatever portion is heard, the whole
// filler text counts as spoken.
func (f FillerAudio) SynthesisResult() *SynthesisResult {
	chunkDuration := f.ChunkDuration
	if chunkDuration <= 0 {
		chunkDuration = time.Second
	}

	var transform ChunkTransform
	if f.EncodeAsWAV {
		transform = WAVTransform(f.Encoding)
	}

	message := f.Message
	return NewSynthesisResult(
		ChunkAudio(f.Audio, ChunkSizeFor(f.Encoding, chunkDuration), transform),
		func(time.Duration) string { return message },
	)
}

// SynthesizeFunc turns text into raw audio in the synthesizer's encoding.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// PrecomputeFillerAudios synthesizes every filler phrase once. The returned
// slice keeps the order of FillerPhrases.
func PrecomputeFillerAudios(ctx context.Context, synthesize SynthesizeFunc, config Config) ([]FillerAudio, error) {
	ctx, span := tracer.Start(ctx, "precompute filler audio")
	defer span.End()

	fillers := make([]FillerAudio, len(FillerPhrases))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, phrase := range FillerPhrases {
		g.Go(func() error {
			data, err := synthesize(ctx, phrase)
			if err != nil {
				return fmt.Errorf("failed to synthesize filler %q: %w", phrase, err)
			}

			mu.Lock()
			defer mu.Unlock()
			fillers[i] = FillerAudio{
				Message:       phrase,
				Audio:         data,
				Encoding:      config.Encoding,
				EncodeAsWAV:   config.EncodeAsWAV,
				Interruptible: true,
				ChunkDuration: time.Second,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return fillers, nil
}
