package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/banner"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/host/app"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/host/config"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	host, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create host", "error", err)
		os.Exit(1)
	}
	defer host.Close()

	// A client pairs by presenting this token on /ws.
	token, err := host.MintClientToken(cfg.NodeID)
	if err != nil {
		slog.Error("Failed to mint pairing token", "error", err)
		os.Exit(1)
	}
	slog.Info("Client pairing token", "token", token)

	run(host, cfg)
}

func run(host *app.App, cfg *config.Config) {
	banner.Print("HOST", []banner.ConfigLine{
		{Label: "Listen", Value: cfg.Listen},
		{Label: "Node", Value: cfg.NodeID},
		{Label: "Events", Value: eventsLine(cfg.NATSURL)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	slog.Info("Starting SIM bridge host",
		"listen", cfg.Listen,
		"node", cfg.NodeID,
		"events", eventsLine(cfg.NATSURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- host.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}
}

func eventsLine(natsURL string) string {
	if natsURL == "" {
		return "log"
	}
	return natsURL
}
