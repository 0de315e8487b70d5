package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// playbackDevice pulls queued audio from the device callback. Whatever the
// callback cannot fill is left as silence.
type playbackDevice struct {
	device *malgo.Device

	pending []byte
	mu      sync.Mutex
}

func (p *playbackDevice) init(audioContext *malgo.AllocatedContext, sampleRate uint32) error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = sampleRate
	config.Playback.Format = format
	config.Playback.Channels = 1
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = sampleRate / 10
	config.Periods = 4

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			p.fill(output[:min(len(output), int(frameCount)*bytesPerFrame)])
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	p.device = device
	return nil
}

func (p *playbackDevice) fill(output []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := copy(output, p.pending)
	clear(output[n:])
	p.pending = p.pending[n:]
}

func (p *playbackDevice) enqueue(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, chunk...)
}

func (p *playbackDevice) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

func (p *playbackDevice) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *playbackDevice) uninit() {
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
}
