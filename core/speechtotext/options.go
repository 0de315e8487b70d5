package speechtotext

import (
	"context"
	"time"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/worker"
)

// Transcription is one recognition result. Interim results may be revised
// later; final ones close an utterance.
type Transcription struct {
	Message    string
	Confidence float64
	IsFinal    bool
}

// Config describes a transcriber. Type selects the provider.
type Config struct {
	Type        string
	Encoding    audio.EncodingInfo
	Model       string
	Language    string
	Endpointing time.Duration
	APIKey      string
}

func (c Config) WithDefaults() Config {
	if c.Encoding.IsZero() {
		c.Encoding = audio.GetDefaultEncodingInfo()
	}
	if c.Endpointing <= 0 {
		c.Endpointing = 300 * time.Millisecond
	}
	return c
}

type Transcriber interface {
	// Start opens the recognition session. Results are published on Output.
	Start(ctx context.Context) error
	// SendAudio queues a chunk without blocking.
	SendAudio(chunk []byte)
	Output() *worker.Queue[Transcription]
	Terminate()
	Config() Config
}
