package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/voicegate/internal/banner"
	"github.com/sebas/voicegate/internal/gateway/ai"
	"github.com/sebas/voicegate/internal/gateway/api"
	"github.com/sebas/voicegate/internal/gateway/config"
	"github.com/sebas/voicegate/internal/gateway/events"
	"github.com/sebas/voicegate/internal/gateway/rtp"
	"github.com/sebas/voicegate/internal/gateway/service"
	"github.com/sebas/voicegate/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	natsDisplay := cfg.NATSURL
	if natsDisplay == "" {
		natsDisplay = "disabled"
	}

	// Print startup banner
	banner.Print("MEDIA GATEWAY", []banner.ConfigLine{
		{Label: "HTTP Listen", Value: fmt.Sprintf("%s:%d", cfg.HTTPBindAddr, cfg.HTTPPort)},
		{Label: "RTP Bind", Value: cfg.RTPBindAddr},
		{Label: "RTP Ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "AI Endpoint", Value: cfg.AIURL},
		{Label: "NATS", Value: natsDisplay},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	if cfg.AIAPIKey == "" {
		slog.Warn("No AI API key configured, AI connections will be rejected upstream")
	}

	// Bind the RTP server socket
	rtpServer, err := rtp.NewServer(cfg.RTPBindAddr, cfg.RTPPortMin, cfg.RTPPortMax)
	if err != nil {
		slog.Error("Failed to bind RTP server", "error", err)
		os.Exit(1)
	}

	// Event publisher: NATS when configured, otherwise a no-op
	var publisher events.Publisher = events.NewNoopPublisher()
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		np, err := events.NewNATSPublisher(ctx, natsCfg, slog.Default())
		cancel()
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		publisher = np
	}

	// Assemble the gateway
	gateway := service.New(service.Config{
		AdvertiseAddr: cfg.AdvertiseAddr,
		AI: ai.Config{
			URL:               cfg.AIURL,
			APIKey:            cfg.AIAPIKey,
			Voice:             cfg.AIVoice,
			Instructions:      cfg.AIInstructions,
			VADThreshold:      cfg.AIVADThreshold,
			PrefixPaddingMS:   cfg.AIVADPrefixMS,
			SilenceDurationMS: cfg.AIVADSilenceMS,
		},
		JitterCapacity: cfg.JitterCapacity,
		SilenceTimeout: cfg.SilenceTimeout,
		NodeID:         cfg.NodeID,
	}, rtpServer, publisher)
	gateway.Start()

	// Control API
	apiServer := api.NewServer(fmt.Sprintf("%s:%d", cfg.HTTPBindAddr, cfg.HTTPPort), gateway)
	if err := apiServer.Start(); err != nil {
		slog.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Stop(); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := gateway.Stop(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	slog.Info("Media gateway stopped")
}
