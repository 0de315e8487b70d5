package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/koscakluka/ema-calls/core/texttospeech"
)

// FillerCache keeps one synthesized filler palette per voice and encoding,
// so calls after the first start without synthesizing fillers again.
type FillerCache struct {
	mu       sync.RWMutex
	palettes map[string][]texttospeech.FillerAudio
	group    singleflight.Group
}

func NewFillerCache() *FillerCache {
	return &FillerCache{palettes: make(map[string][]texttospeech.FillerAudio)}
}

func fillerKey(config texttospeech.Config) string {
	config = config.WithDefaults()
	return fmt.Sprintf("%s|%s|%d|%s|%t", config.Type, config.Encoding.Format.Name(),
		config.Encoding.SampleRate, config.Voice, config.EncodeAsWAV)
}

func (c *FillerCache) lookup(key string) ([]texttospeech.FillerAudio, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fillers, ok := c.palettes[key]
	return fillers, ok
}

// synthesizer builds a synthesizer for config through build, handing it the
// cached palette when there is one. Concurrent misses for the same key
// synthesize the palette once. Failures are not cached.
func (c *FillerCache) synthesizer(ctx context.Context, config texttospeech.Config,
	build func(ctx context.Context, fillers []texttospeech.FillerAudio) (texttospeech.Synthesizer, error),
) (texttospeech.Synthesizer, error) {
	if !config.PrecomputeFillers {
		return build(ctx, nil)
	}

	key := fillerKey(config)
	if fillers, ok := c.lookup(key); ok {
		return build(ctx, fillers)
	}

	var built texttospeech.Synthesizer
	result, err, _ := c.group.Do(key, func() (any, error) {
		if fillers, ok := c.lookup(key); ok {
			return fillers, nil
		}
		synthesizer, err := build(ctx, nil)
		if err != nil {
			return nil, err
		}
		built = synthesizer

		fillers := synthesizer.FillerAudios()
		c.mu.Lock()
		c.palettes[key] = fillers
		c.mu.Unlock()
		return fillers, nil
	})
	if err != nil {
		return nil, err
	}
	if built != nil {
		return built, nil
	}
	return build(ctx, result.([]texttospeech.FillerAudio))
}
