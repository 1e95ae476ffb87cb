package gantry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/opnlabs/gantry/pkg/config"
	"github.com/opnlabs/gantry/pkg/engine"
	"github.com/opnlabs/gantry/pkg/models"
	"github.com/opnlabs/gantry/pkg/pipeline"
)

var (
	runEvent    string
	runRef      string
	runSHA      string
	payloadPath string
	envVars     []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for a trigger event",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal(err)
		}
		logger := newLogger(cfg.LogLevel)

		def, err := pipeline.Load(pipelinePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		ev := models.TriggerEvent{Event: runEvent, Ref: runRef, SHA: runSHA}
		if payloadPath != "" {
			contents, err := os.ReadFile(payloadPath)
			if err != nil {
				log.Fatal(err)
			}
			if err := json.Unmarshal(contents, &ev); err != nil {
				log.Fatalf("invalid trigger payload %s: %v", payloadPath, err)
			}
		}

		for _, v := range envVars {
			variables := strings.SplitN(v, "=", 2)
			if len(variables) != 2 {
				log.Fatalf("variables should be defined as KEY=VALUE: %s", v)
			}
			if def.Env == nil {
				def.Env = make(map[string]string)
			}
			def.Env[variables[0]] = variables[1]
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng := engineFromConfig(cfg, logger, nil)
		run, err := eng.Execute(ctx, def, ev)
		if err != nil {
			if errors.Is(err, engine.ErrTriggerMismatch) {
				logger.Info("nothing to do, no trigger matches", "event", ev.Event, "ref", ev.Ref)
				return
			}
			log.Fatal(err)
		}

		printSummary(run)
		if run.Failed() {
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runEvent, "event", models.EventManual, "Trigger event: push, pull_request or manual.")
	runCmd.Flags().StringVar(&runRef, "ref", "refs/heads/main", "Ref the event applies to.")
	runCmd.Flags().StringVar(&runSHA, "sha", "", "Commit SHA the event carries.")
	runCmd.Flags().StringVar(&payloadPath, "payload", "", "Path to a JSON trigger event. Fields present override --event, --ref and --sha.")
	runCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Environment variables. KEY=VALUE")
}

func printSummary(run *engine.Run) {
	for _, inst := range run.Instances {
		line := fmt.Sprintf("%-10s %s %s", inst.Status(), inst.ID, inst.Duration().Round(time.Millisecond))
		if inst.Advisory {
			line += " (advisory)"
		}
		if err := inst.Err(); err != nil {
			line += ": " + err.Error()
		}
		fmt.Println(line)
	}
	fmt.Printf("run %s: %s in %s\n", run.ID, run.Status(), run.Duration().Round(time.Millisecond))
}
