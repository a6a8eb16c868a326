// Package server provides the local HTTP surface for pylon-client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/pylon-client/internal/auth"
)

// Readiness reports whether the relay session is usable.
type Readiness interface {
	Ready() bool
}

// MuxConfig holds dependencies for building the HTTP mux. MCPHandler and
// MetricsHandler are optional; their routes are only mounted when set.
type MuxConfig struct {
	MCPHandler     http.Handler
	Verifier       *auth.Verifier
	MetricsHandler http.Handler
	Readiness      Readiness
	Logger         *slog.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
}

// NewMux builds the HTTP mux. /healthz always answers 200 and /readyz
// answers 503 until the relay session is authenticated. The MCP endpoint
// is protected by bearer key middleware.
func NewMux(cfg MuxConfig) (*http.ServeMux, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Readiness, false))
	mux.HandleFunc("GET /readyz", handleHealth(cfg.Readiness, true))

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.MCPHandler != nil {
		if cfg.Verifier == nil {
			return nil, errors.New("MCP handler configured without a key verifier")
		}

		mux.Handle("/mcp", auth.Middleware(cfg.Verifier, cfg.Logger)(cfg.MCPHandler))
	}

	return mux, nil
}

func handleHealth(r Readiness, strict bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok", Relay: "disconnected"}
		code := http.StatusOK

		if r != nil && r.Ready() {
			resp.Relay = "connected"
		} else if strict {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// New returns an http.Server with the timeouts used for the local API.
func New(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting HTTP server", slog.String("listen", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
