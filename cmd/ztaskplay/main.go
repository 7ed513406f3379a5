// Command ztaskplay replays task scenarios against a fake clock.
//
// A scenario is a YAML file naming a schedule, the duration of the demo procedure's work,
// and a list of steps:
//
//	name: save
//	schedule: enqueue
//	work: 3ms
//	steps:
//	  - perform: 2
//	  - advance: 3ms
//	  - cancel: 2
//	  - advance: 3ms
//
// After each step ztaskplay prints the task object's derived state, and a YAML summary at
// the end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/evan-idocoding/ztask/rt/task"
	"github.com/evan-idocoding/ztask/rt/task/taskprom"
)

var (
	logLevel    string
	showMetrics bool
)

var rootCmd = &cobra.Command{
	Use:          "ztaskplay",
	Short:        "Replay cancellable task scenarios against a fake clock",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario file and print the task state after every step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := loadScenario(args[0])
		if err != nil {
			return err
		}
		zl, err := newZapLogger(logLevel)
		if err != nil {
			return err
		}
		defer func() { _ = zl.Sync() }()
		return runScenario(cmd.Context(), sc, cmd.OutOrStdout(), zapr.NewLogger(zl), showMetrics)
	},
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List the valid schedule names",
	Run: func(cmd *cobra.Command, args []string) {
		for _, s := range task.Schedules() {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	runCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print prometheus metrics after the summary")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schedulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newZapLogger builds a console logger on stderr. logr V(1) events map to zap's debug level.
func newZapLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func runScenario(ctx context.Context, sc *Scenario, out io.Writer, log logr.Logger, metrics bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		reg       *prometheus.Registry
		collector *taskprom.Collector
	)
	if metrics {
		reg = prometheus.NewRegistry()
		c, err := taskprom.Register(reg)
		if err != nil {
			return err
		}
		collector = c
	}

	p, err := newPlayer(sc, out, log, collector)
	if err != nil {
		return err
	}
	if err := p.play(ctx, sc.Steps); err != nil {
		p.group.Destroy()
		return err
	}

	fmt.Fprintln(out, "---")
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(p.summary()); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if reg != nil {
		if err := writeMetrics(out, reg); err != nil {
			return err
		}
	}
	p.group.Destroy()
	return nil
}

func writeMetrics(out io.Writer, reg prometheus.Gatherer) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "---")
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
