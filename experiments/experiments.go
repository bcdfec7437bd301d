package experiments

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/metrics"
	"github.com/dslabs/bullysim/observer"
	"github.com/dslabs/bullysim/persistent"
	"github.com/dslabs/bullysim/sim"
)

// Sweep runs the simulation across a parameter grid, one run per
// (nodes, p_fail, p_drop) combination, and archives each run's summary in
// a Bolt store. Runs are sequential so their log streams stay
// reproducible.
type Sweep struct {
	Nodes  []int
	PFails []float64
	PDrops []float64

	NumTicks  int
	Seed      uint64
	OutDir    string
	StorePath string
}

// DefaultSweep mirrors the parameter space the analysis tooling expects.
func DefaultSweep() Sweep {
	return Sweep{
		Nodes:    []int{5, 10, 15, 20},
		PFails:   []float64{0.02, 0.05, 0.10},
		PDrops:   []float64{0.0, 0.05, 0.10},
		NumTicks: 1000,
		Seed:     12345,
		OutDir:   "experiments_out",
	}
}

// Run executes the sweep and returns the archived summaries.
func (s Sweep) Run(logger zerolog.Logger) ([]persistent.RunSummary, error) {
	if len(s.Nodes) == 0 || len(s.PFails) == 0 || len(s.PDrops) == 0 {
		return nil, xerrors.New("experiments: empty parameter grid")
	}
	if err := os.MkdirAll(s.OutDir, 0o755); err != nil {
		return nil, xerrors.Errorf("experiments: create output dir: %w", err)
	}
	storePath := s.StorePath
	if storePath == "" {
		storePath = filepath.Join(s.OutDir, "runs.db")
	}
	store, err := persistent.NewRunStore(storePath)
	if err != nil {
		return nil, xerrors.Errorf("experiments: open run store: %w", err)
	}
	defer store.Close()

	var summaries []persistent.RunSummary
	for _, nodes := range s.Nodes {
		for _, pFail := range s.PFails {
			for _, pDrop := range s.PDrops {
				summary, err := s.runOne(nodes, pFail, pDrop, store, logger)
				if err != nil {
					return summaries, err
				}
				summaries = append(summaries, summary)
			}
		}
	}
	return summaries, nil
}

func (s Sweep) runOne(nodes int, pFail, pDrop float64,
	store persistent.RunStore, logger zerolog.Logger) (persistent.RunSummary, error) {
	runID := uuid.NewString()
	runDir := filepath.Join(s.OutDir, fmt.Sprintf("run-n%d-f%.2f-d%.2f-%s", nodes, pFail, pDrop, runID[:8]))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return persistent.RunSummary{}, xerrors.Errorf("experiments: create run dir: %w", err)
	}

	cfg := sim.DefaultConfig()
	cfg.NumNodes = nodes
	cfg.NumTicks = s.NumTicks
	cfg.Seed = s.Seed
	cfg.Node.PDrop = pDrop
	cfg.Failure.PFail = pFail
	cfg.Logging.StateLogFile = filepath.Join(runDir, "state_log.jsonl")
	cfg.Logging.MessageLogFile = filepath.Join(runDir, "message_log.jsonl")
	cfg.Logging.DebugLogFile = ""
	cfg.Logging.Verbose = false

	logger.Info().
		Int("nodes", nodes).
		Float64("p_fail", pFail).
		Float64("p_drop", pDrop).
		Str("run_id", runID).
		Msg("running experiment")

	obs, err := observer.Open(cfg.Logging, logger)
	if err != nil {
		return persistent.RunSummary{}, err
	}
	simulation, err := sim.New(cfg, obs, sim.WithLogger(logger))
	if err != nil {
		return persistent.RunSummary{}, multierr.Append(err, obs.Close())
	}
	runErr := simulation.Run()
	if err := multierr.Append(runErr, obs.Close()); err != nil {
		return persistent.RunSummary{}, err
	}

	summary, err := metrics.FromStateLog(cfg.Logging.StateLogFile)
	if err != nil {
		return persistent.RunSummary{}, err
	}

	archived := persistent.RunSummary{
		RunID:            runID,
		CompletedAt:      time.Now().UTC(),
		NumNodes:         nodes,
		NumTicks:         s.NumTicks,
		Seed:             s.Seed,
		PFail:            pFail,
		PDrop:            pDrop,
		FinalLeader:      summary.FinalLeader,
		ConvergedAtEnd:   summary.ConvergedAtEnd,
		ElectionsStarted: summary.ElectionsStarted,
		AgreementTicks:   summary.AgreementTicks,
		LeaderFailures:   summary.LeaderFailures,
		MeanConvergence:  summary.MeanConvergence,
		StateLogFile:     cfg.Logging.StateLogFile,
		MessageLogFile:   cfg.Logging.MessageLogFile,
	}
	if err := store.Save(archived); err != nil {
		return persistent.RunSummary{}, err
	}
	return archived, nil
}
