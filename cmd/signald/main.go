// Command signald is the LAN rendezvous point. It relays signaling
// envelopes between StockNest devices and holds no inventory data; losing
// it only pauses discovery and negotiation, established peer channels keep
// working.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/stocknest/backend/internal/logging"
	sigpkg "github.com/stocknest/backend/internal/signal"
)

type signaldConfig struct {
	Addr            string        `envconfig:"SIGNALD_ADDR" default:"127.0.0.1:8970"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SIGNALD_SHUTDOWN_TIMEOUT" default:"5s"`
}

func main() {
	_ = godotenv.Load()

	var cfg signaldConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logging.Error("failed to load config", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.LogLevel)

	hub := sigpkg.NewHub()
	defer hub.Stop()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"signald"}`))
	})
	r.Handle("/signal", hub)

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("signald listening", map[string]interface{}{
			"addr": cfg.Addr,
		})
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("signald server failed", err)
	case sig := <-stop:
		logging.Info("shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Warn("shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
