// Package output holds the devices synthesized speech is played through.
// Devices differ only in how they frame audio for their destination.
package output

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/worker"
)

type Device interface {
	// SendNonblocking queues chunk for playback and returns immediately.
	SendNonblocking(chunk []byte)
	Terminate()
	EncodingInfo() audio.EncodingInfo
}

// BufferClearer is implemented by devices that can drop audio queued but
// not yet played, so a barge-in silences the bot right away.
type BufferClearer interface {
	ClearBuffer()
}

// MessageWriter is the writing half of a websocket connection.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// FrameFunc wraps a chunk in the destination's envelope.
type FrameFunc func(chunk []byte) (messageType int, data []byte, err error)

// ControlFunc builds a control message that carries no audio.
type ControlFunc func() (messageType int, data []byte, err error)

type WebsocketOption func(*WebsocketDevice)

func WithLogger(l *slog.Logger) WebsocketOption {
	return func(d *WebsocketDevice) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithFrame replaces the default JSON audio envelope.
func WithFrame(frame FrameFunc) WebsocketOption {
	return func(d *WebsocketDevice) { d.frame = frame }
}

// WithClearMessage makes ClearBuffer also tell the remote end to drop the
// audio it has buffered.
func WithClearMessage(clearMessage ControlFunc) WebsocketOption {
	return func(d *WebsocketDevice) { d.clearMessage = clearMessage }
}

// WebsocketDevice writes framed audio to a websocket from its own stage, so
// callers never block on the network.
type WebsocketDevice struct {
	conn         MessageWriter
	encoding     audio.EncodingInfo
	frame        FrameFunc
	clearMessage ControlFunc
	logger       *slog.Logger

	writeMu sync.Mutex
	stage   *worker.QueueWorker[[]byte, struct{}]
}

func NewWebsocketDevice(ctx context.Context, conn MessageWriter, encoding audio.EncodingInfo, opts ...WebsocketOption) *WebsocketDevice {
	d := &WebsocketDevice{
		conn:     conn,
		encoding: encoding,
		frame:    JSONAudioFrame,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.stage = worker.NewQueueWorker("websocket output", nil, nil,
		func(_ context.Context, chunk []byte, _ *worker.Queue[struct{}]) error {
			messageType, data, err := d.frame(chunk)
			if err != nil {
				return err
			}
			return d.write(messageType, data)
		}, worker.WithLogger(d.logger))
	d.stage.Start(ctx)

	return d
}

func (d *WebsocketDevice) SendNonblocking(chunk []byte) { d.stage.Send(chunk) }

func (d *WebsocketDevice) EncodingInfo() audio.EncodingInfo { return d.encoding }

func (d *WebsocketDevice) ClearBuffer() {
	d.stage.Input().Clear()
	if d.clearMessage == nil {
		return
	}

	messageType, data, err := d.clearMessage()
	if err == nil {
		err = d.write(messageType, data)
	}
	if err != nil {
		d.logger.Warn("failed to send clear message", "error", err)
	}
}

// Terminate stops writing. Queued audio is dropped and the connection is
// left for its owner to close.
func (d *WebsocketDevice) Terminate() { d.stage.Terminate() }

// Done is closed once the writer stage has stopped.
func (d *WebsocketDevice) Done() <-chan struct{} { return d.stage.Done() }

func (d *WebsocketDevice) write(messageType int, data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return errs.NewTransportError("websocket write", d.conn.WriteMessage(messageType, data))
}

type audioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// JSONAudioFrame is the default envelope: a JSON text message carrying the
// base64 encoded chunk.
func JSONAudioFrame(chunk []byte) (int, []byte, error) {
	data, err := json.Marshal(audioMessage{Type: "websocket_audio", Data: base64.StdEncoding.EncodeToString(chunk)})
	return websocket.TextMessage, data, err
}

// RawAudioFrame sends chunks as binary messages untouched.
func RawAudioFrame(chunk []byte) (int, []byte, error) {
	return websocket.BinaryMessage, chunk, nil
}
