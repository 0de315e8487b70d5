package deepgram

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/ema-calls/core/texttospeech"
)

// Synthesizer renders each message with a single REST call and estimates
// cutoffs from the length of the returned audio.
type Synthesizer struct {
	*client
}

func NewSynthesizer(ctx context.Context, config texttospeech.Config, opts ...Option) (*Synthesizer, error) {
	c, err := newClient(ctx, config, opts...)
	if err != nil {
		return nil, err
	}
	return &Synthesizer{client: c}, nil
}

func (s *Synthesizer) CreateSpeech(ctx context.Context, message string, chunkSize int) (*texttospeech.SynthesisResult, error) {
	ctx, span := tracer.Start(ctx, "create speech")
	defer span.End()
	span.SetAttributes(attribute.Int("message.length", len(message)))

	data, err := s.synthesize(ctx, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}

	samples := len(data)
	if byteSize := s.config.Encoding.Format.ByteSize(); byteSize > 1 {
		samples /= byteSize
	}
	sampleRate := s.config.Encoding.SampleRate

	return texttospeech.NewSynthesisResult(
		texttospeech.ChunkAudio(data, chunkSize, s.chunkTransform()),
		func(elapsed time.Duration) string {
			return texttospeech.CutoffFromTotalResponseLength(message, elapsed, samples, sampleRate)
		},
	), nil
}
