package gantry

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/opnlabs/gantry/pkg/config"
	"github.com/opnlabs/gantry/pkg/engine"
	"github.com/opnlabs/gantry/pkg/executor"
	"github.com/opnlabs/gantry/pkg/metrics"
)

var (
	pipelinePath string
	configPath   string
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a local first CI pipeline runner",
	Long: `Gantry runs CI pipelines defined in a file ( default gantry.yml ).
Jobs form a dependency graph, expand over matrix axes and run concurrently
as local processes or inside docker containers.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&pipelinePath, "pipeline-file-path", "f", "gantry.yml", "Path to the pipeline file.")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config-file-path", "c", config.DefaultPath, "Path to the config file.")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// engineFromConfig maps the loaded config onto engine options. The metrics
// set is optional so one-shot runs skip the registry that serve exposes.
func engineFromConfig(cfg *config.Config, logger *log.Logger, m *metrics.Set) *engine.Engine {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithWorkers(cfg.Workers),
		engine.WithGracePeriod(cfg.GracePeriod()),
		engine.WithDefaultTimeout(cfg.DefaultTimeout()),
		engine.WithWorkRoot(cfg.BuildDir),
		engine.WithArtifactRoot(cfg.ArtifactsDir),
		engine.WithKeepWorkspaces(cfg.KeepWorkspaces),
		engine.WithRunners(cfg.Runners),
		engine.WithDockerOptions(executor.DockerExecutorOptions{
			ShowImagePull: cfg.Docker.ShowImagePull,
			Username:      cfg.Docker.Username,
			Password:      cfg.Docker.Password,
		}),
	}
	if m != nil {
		opts = append(opts, engine.WithMetrics(m))
	}
	return engine.New(opts...)
}
