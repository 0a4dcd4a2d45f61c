package nomad

import (
	"context"
	"net/http"

	"github.com/oriys/nomad/internal/config"
	"github.com/oriys/nomad/internal/logging"
	"github.com/oriys/nomad/internal/metrics"
	"github.com/oriys/nomad/internal/observability"
)

// Setup configures the process-wide subsystems from a config file
// (JSON or YAML; empty path uses defaults plus environment overrides):
// logging level and format, OpenTelemetry tracing, and the optional
// Prometheus endpoint. It returns the options to apply to every VM
// constructed afterwards.
func Setup(ctx context.Context, configPath string) ([]Option, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, wrapError(KindValidation, err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)
	logging.SetFormat(cfg.Logging.Format)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return nil, wrapError(KindWorker, err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Global().Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.Op().Error("metrics endpoint failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	return []Option{
		WithBootTimeout(cfg.BootTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithPingInterval(cfg.PingInterval),
		WithPongLimit(cfg.PongLimit),
		WithRootEnclosure(cfg.RootEnclosure),
	}, nil
}
