package texttospeech

import (
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-calls/core/audio"
)

var ErrResultConsumed = errors.New("synthesis result already consumed")

type ChunkResult struct {
	Chunk       []byte
	IsLastChunk bool
}

// SynthesisResult pairs a lazily produced chunk sequence with a way to tell
// how much of the message had been spoken after a given playback time.
//
// The chunk sequence is forward only and can be consumed once.
type SynthesisResult struct {
	chunks      iter.Seq2[ChunkResult, error]
	messageUpTo func(time.Duration) string
	consumed    atomic.Bool
}

func NewSynthesisResult(chunks iter.Seq2[ChunkResult, error], messageUpTo func(time.Duration) string) *SynthesisResult {
	return &SynthesisResult{chunks: chunks, messageUpTo: messageUpTo}
}

// Chunks returns the chunk sequence. Every call after the first yields a
// single ErrResultConsumed.
func (r *SynthesisResult) Chunks() iter.Seq2[ChunkResult, error] {
	if r.consumed.Swap(true) {
		return func(yield func(ChunkResult, error) bool) {
			yield(ChunkResult{}, ErrResultConsumed)
		}
	}
	return r.chunks
}

// MessageUpTo estimates the part of the message heard after elapsed
// playback.
func (r *SynthesisResult) MessageUpTo(elapsed time.Duration) string {
	if r.messageUpTo == nil {
		return ""
	}
	return r.messageUpTo(elapsed)
}

// ChunkTransform is applied to every chunk before it is yielded, e.g. to
// wrap it in a WAV container.
type ChunkTransform func([]byte) ([]byte, error)

// ChunkAudio slices data into chunks of chunkSize bytes. Only the last chunk
// may be shorter.
func ChunkAudio(data []byte, chunkSize int, transform ChunkTransform) iter.Seq2[ChunkResult, error] {
	return func(yield func(ChunkResult, error) bool) {
		if chunkSize <= 0 {
			chunkSize = len(data)
		}

		for start := 0; start < len(data); start += chunkSize {
			end := min(start+chunkSize, len(data))
			chunk := data[start:end]
			if transform != nil {
				var err error
				if chunk, err = transform(chunk); err != nil {
					yield(ChunkResult{}, err)
					return
				}
			}

			if !yield(ChunkResult{Chunk: chunk, IsLastChunk: end == len(data)}, nil) {
				return
			}
		}
	}
}

// WAVTransform frames each chunk as a standalone WAV file.
func WAVTransform(encoding audio.EncodingInfo) ChunkTransform {
	return func(chunk []byte) ([]byte, error) {
		return audio.EncodeWAV(chunk, encoding)
	}
}

// ChunkSizeFor returns the number of bytes that play for d.
func ChunkSizeFor(encoding audio.EncodingInfo, d time.Duration) int {
	return int(int64(encoding.BytesPerSecond()) * int64(d) / int64(time.Second))
}
