// Package portaudio plays and records audio with PortAudio's blocking
// stream API. Each stream is driven from its own locked OS thread.
package portaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/worker"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-calls/core/audio/portaudio")

// Client satisfies output.Device and output.BufferClearer.
type Client struct {
	bufferSize int
	encoding   audio.EncodingInfo

	speaker    *worker.ThreadWorker[[]byte, struct{}]
	microphone *worker.ThreadWorker[struct{}, []byte]

	closeOnce sync.Once
}

// NewClient initializes PortAudio and starts the speaker. bufferSize is in
// samples per blocking write.
func NewClient(ctx context.Context, bufferSize int) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	c := &Client{bufferSize: bufferSize, encoding: audio.GetDefaultEncodingInfo()}
	c.speaker = worker.NewThreadWorker("portaudio speaker", nil, nil, c.play, worker.WithLogger(logger))
	c.speaker.Start(ctx)
	return c, nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo { return c.encoding }

func (c *Client) SendNonblocking(chunk []byte) { c.speaker.Send(chunk) }

// ClearBuffer drops audio not yet handed to the stream. The write in progress
// still finishes.
func (c *Client) ClearBuffer() { c.speaker.Input().Clear() }

// StartCapture reads the microphone on a dedicated thread and hands every
// buffer to onAudio until ctx is done or the client is terminated.
func (c *Client) StartCapture(ctx context.Context, onAudio func(chunk []byte)) {
	c.microphone = worker.NewThreadWorker("portaudio microphone", nil, nil, c.record, worker.WithLogger(logger))
	c.microphone.Start(ctx)

	chunks := c.microphone.Output()
	go func() {
		for {
			chunk, err := chunks.Get(ctx)
			if err != nil {
				return
			}
			onAudio(chunk)
		}
	}()
}

func (c *Client) Terminate() {
	c.closeOnce.Do(func() {
		c.speaker.Terminate()
		<-c.speaker.Done()
		if c.microphone != nil {
			c.microphone.Terminate()
			<-c.microphone.Done()
		}
		if err := portaudio.Terminate(); err != nil {
			logger.Warn("failed to terminate PortAudio", "error", err)
		}
	})
}

func (c *Client) play(ctx context.Context, input <-chan []byte, _ func(struct{}) bool) {
	out := make([]int16, c.bufferSize)
	stream, err := c.openStream(0, 1, out)
	if err != nil {
		logger.Error("failed to open speaker", "error", err)
		return
	}
	defer closeStream(stream, logger)

	frameBytes := c.bufferSize * 2
	var leftover []byte
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-input:
			if !ok {
				return
			}

			leftover = append(leftover, chunk...)
			for len(leftover) >= frameBytes {
				decodeLinear16(leftover[:frameBytes], out)
				leftover = leftover[frameBytes:]
				if err := stream.Write(); err != nil {
					logger.Warn("speaker write failed", "error", err)
				}
			}
		}
	}
}

func (c *Client) record(ctx context.Context, _ <-chan struct{}, emit func([]byte) bool) {
	in := make([]int16, c.bufferSize)
	stream, err := c.openStream(1, 0, in)
	if err != nil {
		logger.Error("failed to open microphone", "error", err)
		return
	}
	defer closeStream(stream, logger)

	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			logger.Warn("microphone read failed", "error", err)
			continue
		}
		if !emit(encodeLinear16(in)) {
			return
		}
	}
}

func (c *Client) openStream(inputChannels, outputChannels int, buffer []int16) (*portaudio.Stream, error) {
	stream, err := portaudio.OpenDefaultStream(inputChannels, outputChannels, float64(c.encoding.SampleRate), c.bufferSize, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open PortAudio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start PortAudio stream: %w", err)
	}
	return stream, nil
}

func closeStream(stream *portaudio.Stream, logger *slog.Logger) {
	if err := stream.Stop(); err != nil {
		logger.Warn("failed to stop PortAudio stream", "error", err)
	}
	if err := stream.Close(); err != nil {
		logger.Warn("failed to close PortAudio stream", "error", err)
	}
}

func decodeLinear16(data []byte, out []int16) {
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
}

func encodeLinear16(samples []int16) []byte {
	data := make([]byte, 2*len(samples))
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(sample))
	}
	return data
}
