package gantry

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/opnlabs/gantry/pkg/config"
	"github.com/opnlabs/gantry/pkg/metrics"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/pipeline"
	"github.com/opnlabs/gantry/pkg/telemetry"
	"github.com/opnlabs/gantry/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept signed trigger events over HTTP",
	Long: `Serve starts an HTTP listener that accepts HMAC-signed trigger events on
POST /api/v1/events and runs the pipeline for each accepted event. Health is
reported on GET /healthz and Prometheus metrics on GET /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal(err)
		}
		logger := newLogger(cfg.LogLevel)

		if strings.TrimSpace(cfg.Server.WebhookSecret) == "" {
			logger.Fatal("server.webhook_secret must be set to accept events")
		}

		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
			if err != nil {
				logger.Fatal("tracer init failed", "err", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error("tracer shutdown failed", "err", err)
				}
			}()
		}

		reg := prometheus.NewRegistry()
		eng := engineFromConfig(cfg, logger, metrics.NewSet(reg))

		srv := webhook.New(eng, func() (*models.Definition, error) {
			return pipeline.Load(pipelinePath)
		}, webhook.Options{
			Addr:     cfg.Server.Addr,
			Secret:   cfg.Server.WebhookSecret,
			MaxSkew:  cfg.MaxSkew(),
			Logger:   logger,
			Gatherer: reg,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := srv.Run(ctx); err != nil {
			logger.Fatal("server error", "err", err)
		}
	},
}
