package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/providers"
	"github.com/koscakluka/ema-calls/core/telephony"
	"github.com/koscakluka/ema-calls/internal/config"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer inbound Twilio and Vonage calls",
	Long: `Starts the telephony server. Point the provider's inbound webhook at
/twilio/inbound or /vonage/inbound; the call's media stream then connects
back to wss://<server.base_url>/connect_call/<id>.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cfg.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}

	logger, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configs, err := openConfigManager(logger)
	if err != nil {
		return err
	}
	defer configs.Close()

	manager := events.NewManager(
		[]events.Kind{events.KindCallConnected, events.KindCallEnded, events.KindTranscriptComplete},
		events.LogHandler(logger),
		events.WithLogger(logger),
	)
	go func() {
		if err := manager.Start(ctx); err != nil {
			logger.Warn("events manager stopped", "error", err)
		}
	}()
	defer manager.End()

	server := telephony.NewServer(cfg.Server.BaseURL, configs, cfg.InboundCallConfig(),
		providers.ConversationFactory(providers.WithLogger(logger), providers.WithEvents(manager)),
		telephony.WithServerLogger(logger),
		telephony.WithServerEvents(manager),
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()
	logger.Info("telephony server listening", "addr", cfg.Server.Addr, "base_url", cfg.Server.BaseURL)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("telephony server failed: %w", err)
		}
	}

	logger.Info("shutting down", "active_calls", server.ActiveCalls())
	server.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openConfigManager(logger *slog.Logger) (telephony.ConfigManager, error) {
	switch cfg.Store.Type {
	case config.StoreBadger:
		configs, err := telephony.NewBadgerConfigManager(telephony.BadgerOptions{Dir: cfg.Store.Dir, Logger: logger})
		if err != nil {
			return nil, err
		}
		return configs, nil
	default:
		return telephony.NewInMemoryConfigManager(), nil
	}
}
