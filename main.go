package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dslabs/bullysim/experiments"
	"github.com/dslabs/bullysim/metrics"
	"github.com/dslabs/bullysim/observer"
	"github.com/dslabs/bullysim/sim"
	"github.com/dslabs/bullysim/validate"
	"github.com/dslabs/bullysim/viewer"
)

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func runSim(args []string) {
	flagset := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := flagset.String("config", "config.json", "JSON (or YAML) simulation configuration file")
	nodes := flagset.Int("nodes", 0, "override simulation.num_nodes from the config")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	bootLogger := newLogger(false)
	cfg := sim.LoadConfig(*configFile, bootLogger)
	if *nodes > 0 {
		cfg.NumNodes = *nodes
	}
	logger := newLogger(cfg.Logging.Verbose)

	obs, err := observer.Open(cfg.Logging, logger)
	if err != nil {
		// Without the log streams the run is pointless; abort.
		fmt.Println(err)
		os.Exit(1)
	}

	simulation, err := sim.New(cfg, obs, sim.WithLogger(logger))
	if err != nil {
		fmt.Println(multierr.Append(err, obs.Close()))
		os.Exit(1)
	}
	err = simulation.Run()
	err = multierr.Append(err, obs.Close())
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	file := flagset.String("file", "config.json", "full path of config file to write to")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := sim.WriteDefault(*file); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runValidate(args []string) {
	flagset := flag.NewFlagSet("validate", flag.ExitOnError)
	stateLog := flagset.String("state", "state_log.jsonl", "state log to validate")
	messageLog := flagset.String("messages", "message_log.jsonl", "message log to validate")
	hbPeriod := flagset.Int("hb-period", 1, "hb_period_ticks the run was configured with")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	run, err := validate.LoadRun(*stateLog, *messageLog)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	results := run.Validate(validate.Options{HBPeriodTicks: *hbPeriod})
	for _, res := range results {
		fmt.Println(res)
	}
	if validate.HasHardViolations(results) {
		os.Exit(1)
	}
}

func runMetrics(args []string) {
	flagset := flag.NewFlagSet("metrics", flag.ExitOnError)
	stateLog := flagset.String("state", "state_log.jsonl", "state log to analyze")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	summary, err := metrics.FromStateLog(*stateLog)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func runExperiments(args []string) {
	flagset := flag.NewFlagSet("experiments", flag.ExitOnError)
	outDir := flagset.String("out", "experiments_out", "directory for per-run logs and the run archive")
	ticks := flagset.Int("ticks", 1000, "ticks per experiment run")
	seed := flagset.Uint64("seed", 12345, "seed shared by all runs")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	sweep := experiments.DefaultSweep()
	sweep.OutDir = *outDir
	sweep.NumTicks = *ticks
	sweep.Seed = *seed

	logger := newLogger(false)
	summaries, err := sweep.Run(logger)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Printf("archived %d runs under %s\n", len(summaries), *outDir)
}

func runView(args []string) {
	flagset := flag.NewFlagSet("view", flag.ExitOnError)
	stateLog := flagset.String("state", "state_log.jsonl", "state log to replay")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := viewer.Run(*stateLog); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		runSim(nil)
		return
	}
	switch args[0] {
	case "run":
		runSim(args[1:])
	case "config":
		generateConfig(args[1:])
	case "validate":
		runValidate(args[1:])
	case "metrics":
		runMetrics(args[1:])
	case "experiments":
		runExperiments(args[1:])
	case "view":
		runView(args[1:])
	default:
		// Bare flags run the simulation, so `bullysim -config x.json` works.
		if len(args[0]) > 0 && args[0][0] == '-' {
			runSim(args)
			return
		}
		fmt.Printf("usage: %s [run | config | validate | metrics | experiments | view] ...\n", os.Args[0])
		os.Exit(2)
	}
}
