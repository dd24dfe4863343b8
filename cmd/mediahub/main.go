package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/mediahub/internal/app"
	"github.com/sebas/mediahub/internal/banner"
	"github.com/sebas/mediahub/internal/config"
	"github.com/sebas/mediahub/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	hub, err := app.NewHub(cfg)
	if err != nil {
		slog.Error("Failed to create hub", "error", err)
		os.Exit(1)
	}
	defer hub.Close()

	banner.Print("MediaHub Signaling Orchestrator", []banner.ConfigLine{
		{Label: "Service", Value: cfg.Service},
		{Label: "SIP", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Verto", Value: strings.Join(cfg.VertoListen, ", ")},
		{Label: "API", Value: cfg.APIListen},
		{Label: "FS engines", Value: strings.Join(cfg.FSAddrs, ", ")},
		{Label: "KMS engines", Value: strings.Join(cfg.KMSAddrs, ", ")},
	})

	run(hub, cfg)
}

func run(hub *app.Hub, cfg *config.Config) {
	slog.Info("Starting MediaHub",
		"sip_port", cfg.Port,
		"verto", cfg.VertoListen,
		"api", cfg.APIListen,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := hub.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
