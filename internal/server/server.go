// Package server provides the shared service lifecycle runner.
// cmd/broker delegates to server.Run for signal handling, config loading,
// observability init, health and readiness probes, and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/numberbroker/internal/config"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/observability"
)

// Version is reported in telemetry resources. Release builds set it with
// -ldflags "-X github.com/aelexs/numberbroker/internal/server.Version=...".
var Version = "dev"

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service (e.g. "broker").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup wires the service after observability is initialised. It is
	// optional; a nil Setup serves only the probes.
	Setup func(ctx context.Context, deps SetupDeps) (Service, error)
}

// SetupDeps are handed to Params.Setup.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger
}

// Service is what Setup returns.
type Service struct {
	// Handler is mounted at "/" beside the probes.
	Handler http.Handler
	// Ready backs /readyz. Nil means ready once serving.
	Ready func(ctx context.Context) error
	// Cleanup runs after the HTTP server drains.
	Cleanup func(ctx context.Context) error
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP server with probes, and graceful
// shutdown. If ln is non-nil, it is used instead of creating a new listener
// from config (enables port-0 testing).
func Run(ctx context.Context, p Params, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	serviceName := cfg.OTEL.ServiceName
	if serviceName == "" {
		serviceName = p.Name
	}
	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
		SampleRatio:    cfg.OTEL.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	var svc Service
	if p.Setup != nil {
		svc, err = p.Setup(ctx, SetupDeps{Config: cfg, Logger: logger})
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
	}

	var draining atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(p.Name, &draining))
	mux.HandleFunc("/readyz", readyHandler(p.Name, &draining, svc.Ready, logger))
	if svc.Handler != nil {
		mux.Handle("/", svc.Handler)
	}

	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}

	// WriteTimeout covers a purchase that walks the vendor retry budget.
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      3 * domain.DefaultVendorTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
			slog.String("version", Version),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Shutdown runs in reverse of startup: HTTP server, service, telemetry.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// Probes report 503 while the load balancer drops the endpoint.
		draining.Store(true)
		time.Sleep(domain.ShutdownDrainDelay)

		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		if svc.Cleanup != nil {
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), domain.GracefulShutdownTimeout)
			defer cleanupCancel()
			if cleanupErr := svc.Cleanup(cleanupCtx); cleanupErr != nil {
				logger.Error("service cleanup error", slog.String("error", cleanupErr.Error()))
			}
		}

		otelCtx, otelCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer otelCancel()
		if shutdownErr := telemetry.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("telemetry shutdown error", slog.String("error", shutdownErr.Error()))
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

type probeResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// healthHandler reports liveness. It turns 503 once draining starts.
func healthHandler(name string, draining *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if draining.Load() {
			writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "shutting_down", Service: name})
			return
		}
		writeProbe(w, http.StatusOK, probeResponse{Status: "healthy", Service: name})
	}
}

// readyHandler reports whether the service's dependencies answer. A failed
// check is logged; the response carries no detail.
func readyHandler(name string, draining *atomic.Bool, ready func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if draining.Load() {
			writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "shutting_down", Service: name})
			return
		}
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), domain.ReadinessCheckTimeout)
			defer cancel()
			if err := ready(ctx); err != nil {
				logger.WarnContext(ctx, "readiness check failed", slog.String("error", err.Error()))
				writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "not_ready", Service: name})
				return
			}
		}
		writeProbe(w, http.StatusOK, probeResponse{Status: "ready", Service: name})
	}
}

func writeProbe(w http.ResponseWriter, code int, body probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
