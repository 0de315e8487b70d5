// Package miniaudio plays and records audio on the local sound card.
package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/koscakluka/ema-calls/core/audio"
)

// Client owns one malgo context with a speaker and a microphone on it. It
// satisfies output.Device and output.BufferClearer.
type Client struct {
	// audioContext is only kept so it can be released, it is an ownership
	// thing.
	audioContext *malgo.AllocatedContext
	encoding     audio.EncodingInfo

	playback playbackDevice
	capture  captureDevice

	closeOnce sync.Once
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("malgo init context failed: %w", err)
	}

	c := &Client{audioContext: audioCtx, encoding: audio.GetDefaultEncodingInfo()}
	sampleRate := uint32(c.encoding.SampleRate)

	if err := c.playback.init(audioCtx, sampleRate); err != nil {
		c.Terminate()
		return nil, err
	}
	if err := c.playback.device.Start(); err != nil {
		c.Terminate()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	if err := c.capture.init(audioCtx, sampleRate); err != nil {
		c.Terminate()
		return nil, err
	}

	return c, nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo { return c.encoding }

func (c *Client) SendNonblocking(chunk []byte) { c.playback.enqueue(chunk) }

func (c *Client) ClearBuffer() { c.playback.clear() }

// Buffered returns how many bytes are waiting to be played.
func (c *Client) Buffered() int { return c.playback.buffered() }

// StartCapture delivers microphone audio to onAudio until StopCapture.
func (c *Client) StartCapture(onAudio func(chunk []byte)) error {
	return c.capture.start(onAudio)
}

func (c *Client) StopCapture() error { return c.capture.stop() }

func (c *Client) Terminate() {
	c.closeOnce.Do(func() {
		_ = c.capture.stop()
		c.capture.uninit()
		c.playback.uninit()
		_ = c.audioContext.Uninit()
		c.audioContext.Free()
	})
}
