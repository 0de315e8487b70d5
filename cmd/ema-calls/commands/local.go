package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-calls/core/audio/miniaudio"
	"github.com/koscakluka/ema-calls/core/audio/portaudio"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/output"
	"github.com/koscakluka/ema-calls/core/providers"
	"github.com/koscakluka/ema-calls/internal/config"
)

var logFile string

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Talk to the agent through this machine's microphone and speaker",
	Long: `Runs one conversation on the local audio devices and shows the live
transcript. Press q or Ctrl+C to hang up. Logs are discarded unless
--log-file is set, so they don't garble the transcript.`,
	RunE: runLocal,
}

func init() {
	localCmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file")
}

// localDevice is a speaker that can also capture from the microphone.
type localDevice interface {
	output.Device
	startCapture(ctx context.Context, onAudio func([]byte)) error
}

type miniaudioDevice struct{ *miniaudio.Client }

func (d miniaudioDevice) startCapture(_ context.Context, onAudio func([]byte)) error {
	return d.StartCapture(onAudio)
}

type portaudioDevice struct{ *portaudio.Client }

func (d portaudioDevice) startCapture(ctx context.Context, onAudio func([]byte)) error {
	d.StartCapture(ctx, onAudio)
	return nil
}

func openLocalDevice(ctx context.Context) (localDevice, error) {
	switch cfg.Local.Device {
	case config.DevicePortaudio:
		client, err := portaudio.NewClient(ctx, cfg.Local.BufferSize)
		if err != nil {
			return nil, err
		}
		return portaudioDevice{client}, nil
	default:
		client, err := miniaudio.NewClient()
		if err != nil {
			return nil, err
		}
		return miniaudioDevice{client}, nil
	}
}

func runLocal(cmd *cobra.Command, _ []string) error {
	var logOutput io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOutput = f
	}
	logger, err := newLogger(logOutput)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	device, err := openLocalDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}

	updates := make(chan events.Event, 64)
	quit := make(chan struct{})
	manager := events.NewManager(
		[]events.Kind{events.KindTranscriptUpdated, events.KindTranscriptComplete},
		func(_ context.Context, event events.Event) {
			select {
			case updates <- event:
			case <-quit:
			}
		},
		events.WithLogger(logger),
	)
	go func() {
		if err := manager.Start(ctx); err != nil {
			logger.Warn("events manager stopped", "error", err)
		}
	}()
	defer manager.End()

	encoding := device.EncodingInfo()
	conv, err := providers.NewConversation(ctx, uuid.NewString(), device,
		cfg.TranscriberConfig(encoding), cfg.AgentConfig(), cfg.SynthesizerConfig(encoding),
		providers.WithLogger(logger), providers.WithEvents(manager))
	if err != nil {
		device.Terminate()
		return err
	}
	defer conv.Terminate()

	if err := conv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	if err := device.startCapture(ctx, conv.ReceiveAudio); err != nil {
		return fmt.Errorf("failed to start microphone: %w", err)
	}
	logger.Info("local conversation started", "conversation_id", conv.ID(), "device", cfg.Local.Device)

	program := tea.NewProgram(newTranscriptModel(conv, updates), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	close(quit)
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	logger.Info("local conversation ended", "conversation_id", conv.ID())
	return nil
}
