package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type captureDevice struct {
	device *malgo.Device

	onAudio func(chunk []byte)
	mu      sync.Mutex
}

func (c *captureDevice) init(audioContext *malgo.AllocatedContext, sampleRate uint32) error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = sampleRate
	config.Capture.Format = format
	config.Capture.Channels = 1
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(input) < n || n == 0 {
				return
			}

			c.mu.Lock()
			onAudio := c.onAudio
			c.mu.Unlock()
			if onAudio != nil {
				// The device reuses its buffer once the callback returns.
				onAudio(append([]byte(nil), input[:n]...))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	c.device = device
	return nil
}

func (c *captureDevice) start(onAudio func(chunk []byte)) error {
	c.mu.Lock()
	c.onAudio = onAudio
	c.mu.Unlock()

	if c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *captureDevice) stop() error {
	c.mu.Lock()
	c.onAudio = nil
	c.mu.Unlock()

	if c.device == nil || !c.device.IsStarted() {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (c *captureDevice) uninit() {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
}
