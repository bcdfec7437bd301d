package sim

import (
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/common"
	"github.com/dslabs/bullysim/failure"
	"github.com/dslabs/bullysim/node"
	"github.com/dslabs/bullysim/observer"
	"github.com/dslabs/bullysim/transport"
)

// Simulation drives a fixed set of node workers through the four-phase
// tick protocol and gathers their reports into the observer.
//
// Per tick, each worker: arrives at the worker barrier, updates its
// failure model and runs begin/send/recv/end, arrives at the worker
// barrier again (so every send of this tick completes before any receive
// of the next), hands its tick record to the gather channel and arrives at
// the global barrier. The controller consumes the gather, writes the logs,
// and joins the global barrier, which is what keeps workers from racing
// ahead of the observer.
type Simulation struct {
	cfg    Config
	obs    *observer.Observer
	log    zerolog.Logger
	fabric *transport.Fabric
	nodes  []*node.Node
	models []common.FailureModel
}

type options struct {
	modelFactory func(uid int) (common.FailureModel, error)
	logger       *zerolog.Logger
}

type Option func(*options)

// WithFailureModels substitutes the per-node failure model constructor.
// Tests use this to script exact failure timelines.
func WithFailureModels(factory func(uid int) (common.FailureModel, error)) Option {
	return func(o *options) { o.modelFactory = factory }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// New wires the fabric, nodes, and failure models for a run.
func New(cfg Config, obs *observer.Observer, opts ...Option) (*Simulation, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}

	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, xerrors.New("sim: observer is required")
	}

	fabric, err := transport.NewFabric(cfg.NumNodes + 1)
	if err != nil {
		return nil, err
	}
	// The UID<->address mapping assumes one controller slot plus one slot
	// per node. This invariant is load-bearing for every broadcast loop.
	if fabric.WorldSize() != cfg.NumNodes+1 {
		return nil, xerrors.Errorf("sim: fabric world size %d inconsistent with %d nodes + controller",
			fabric.WorldSize(), cfg.NumNodes)
	}

	factory := o.modelFactory
	if factory == nil {
		factory = func(uid int) (common.FailureModel, error) {
			return failure.NewModel(cfg.FailureKind, uid, cfg.Seed, cfg.Failure)
		}
	}

	s := &Simulation{cfg: cfg, obs: obs, log: logger, fabric: fabric}
	for uid := 1; uid <= cfg.NumNodes; uid++ {
		endpoint, err := fabric.Endpoint(uid)
		if err != nil {
			return nil, err
		}
		nd, err := node.New(uid, cfg.NumNodes, cfg.Node, endpoint, cfg.Seed)
		if err != nil {
			return nil, err
		}
		model, err := factory(uid)
		if err != nil {
			return nil, err
		}
		s.nodes = append(s.nodes, nd)
		s.models = append(s.models, model)
	}
	return s, nil
}

// Run executes the configured number of ticks and blocks until the last
// tick has been logged.
func (s *Simulation) Run() error {
	numNodes := s.cfg.NumNodes
	ticks := s.cfg.NumTicks

	if err := s.obs.WriteMetadata(numNodes, ticks, s.cfg.Seed); err != nil {
		return err
	}
	s.log.Info().
		Int("nodes", numNodes).
		Int("ticks", ticks).
		Uint64("seed", s.cfg.Seed).
		Str("failure", s.models[0].TypeName()).
		Msg("starting simulation")

	workerBarrier := transport.NewBarrier(numNodes)
	globalBarrier := transport.NewBarrier(numNodes + 1)
	gather := make(chan common.TickRecord, numNodes)

	var g errgroup.Group
	for i := 0; i < numNodes; i++ {
		nd, model := s.nodes[i], s.models[i]
		g.Go(func() error {
			s.runWorker(nd, model, workerBarrier, globalBarrier, gather)
			return nil
		})
	}

	var logErr error
	records := make([]common.TickRecord, numNodes)
	for t := 0; t < ticks; t++ {
		for i := 0; i < numNodes; i++ {
			rec := <-gather
			records[rec.Report.UID-1] = rec
		}
		if err := s.obs.RecordTick(t, records); err != nil {
			if logErr == nil {
				logErr = err
			}
			// Keep joining barriers so the workers drain instead of
			// deadlocking; the first error is reported after the run.
			s.log.Error().Err(err).Int("tick", t).Msg("observer write failed")
		}
		globalBarrier.Await()
	}

	err := g.Wait()
	s.log.Info().Msg("simulation complete")
	return multierr.Append(logErr, err)
}

func (s *Simulation) runWorker(nd *node.Node, model common.FailureModel,
	workerBarrier, globalBarrier *transport.Barrier, gather chan<- common.TickRecord) {
	for t := 0; t < s.cfg.NumTicks; t++ {
		workerBarrier.Await()

		if la, ok := model.(common.LeaderAware); ok {
			la.SetIsLeader(nd.IsLeader())
		}
		model.Tick(t)
		nd.SetCanCommunicate(model.CanCommunicate())

		crashed := false
		if cr, ok := model.(common.Crasher); ok {
			crashed = cr.IsCrashed()
		}
		if !crashed {
			nd.TickBegin(t)
			nd.TickSend(t)
			nd.TickRecv(t)
			nd.TickEnd(t)
		}

		workerBarrier.Await()

		gather <- common.TickRecord{
			Report: nd.StateReport(t),
			Events: nd.DrainEvents(),
			Debug:  nd.DrainDebug(),
		}
		globalBarrier.Await()
	}
}
