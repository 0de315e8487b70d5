package texttospeech

import (
	"context"
	"log/slog"

	"github.com/koscakluka/ema-calls/core/audio"
)

// Config describes a synthesizer. Type selects the provider.
type Config struct {
	Type     string
	Encoding audio.EncodingInfo
	// EncodeAsWAV frames every chunk as a standalone WAV file, for
	// destinations that need self-describing audio.
	EncodeAsWAV bool
	Voice       string
	// WordsPerMinute drives rate-based cutoff estimation.
	WordsPerMinute int
	APIKey         string
	// PrecomputeFillers synthesizes the filler palette when the synthesizer
	// is created.
	PrecomputeFillers bool
}

func (c Config) WithDefaults() Config {
	if c.Encoding.IsZero() {
		c.Encoding = audio.GetDefaultEncodingInfo()
	}
	if c.WordsPerMinute <= 0 {
		c.WordsPerMinute = DefaultWordsPerMinute
	}
	return c
}

type Options struct {
	Logger *slog.Logger
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func NewOptions(opts ...Option) Options {
	o := Options{Logger: logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Synthesizer interface {
	// CreateSpeech prepares message for playback. Audio is produced lazily
	// as the result's chunks are consumed, and ctx bounds that work too, so
	// it has to stay alive until playback ends.
	CreateSpeech(ctx context.Context, message string, chunkSize int) (*SynthesisResult, error)
	Config() Config
	// FillerAudios returns the precomputed filler palette, which may be
	// empty.
	FillerAudios() []FillerAudio
	Close() error
}
