package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/poslink/terminal-agent/internal/config"
	"github.com/poslink/terminal-agent/internal/emulator"
	"github.com/poslink/terminal-agent/internal/events"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	cfg := config.Get()

	bus := events.NewBus()
	store, err := emulator.NewStore(cfg.Emulator.DataFile, cfg.Emulator.FlushIntervalMs, bus)
	if err != nil {
		log.Fatalf("Failed to load terminal state: %v", err)
	}

	dispatcher := emulator.NewDispatcher(store, bus, cfg.Emulator.ResponseDelayMs)
	server := emulator.NewServer(dispatcher, bus)

	if err := server.Listen(cfg.Emulator.Port); err != nil {
		log.Fatalf("Failed to bind terminal port %d: %v", cfg.Emulator.Port, err)
	}
	if cfg.Emulator.PortAlt != 0 && cfg.Emulator.PortAlt != cfg.Emulator.Port {
		if err := server.Listen(cfg.Emulator.PortAlt); err != nil {
			log.Fatalf("Failed to bind alternate terminal port %d: %v", cfg.Emulator.PortAlt, err)
		}
	}

	admin := &http.Server{
		Addr:    ":" + cfg.Emulator.HTTPPort,
		Handler: emulator.AdminRouter(store, bus),
	}

	go func() {
		slog.Info("emulator admin surface starting", "port", cfg.Emulator.HTTPPort)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()

	slog.Info("terminal emulator ready",
		"port", cfg.Emulator.Port,
		"port_alt", cfg.Emulator.PortAlt,
		"data_file", cfg.Emulator.DataFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("received shutdown signal, flushing state")
	server.Close()
	store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		slog.Error("admin shutdown error", "error", err)
	}

	slog.Info("emulator stopped")
}
