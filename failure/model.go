package failure

import (
	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/common"
)

// Kind selects the failure semantics of a Model.
type Kind int

const (
	// None never interferes with the node.
	None Kind = iota
	// Network silently isolates the node's transport for sampled spans of
	// ticks; the algorithm keeps running.
	Network
	// Crash has the same sampling structure as Network but additionally
	// suspends the node's algorithm while offline.
	Crash
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Crash:
		return "crash"
	default:
		return "none"
	}
}

// ParseKind maps the configuration value of failure.type to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "none":
		return None, nil
	case "network":
		return Network, nil
	case "crash":
		return Crash, nil
	default:
		return None, xerrors.Errorf("unknown failure type %q", s)
	}
}

// Config holds the sampling parameters shared by the network and crash
// variants.
type Config struct {
	PFail                float64
	LeaderFailMultiplier float64
	OfflineDurations     []int
	OfflineWeights       []int
}

func DefaultConfig() Config {
	return Config{
		PFail:                0.02,
		LeaderFailMultiplier: 2.0,
		OfflineDurations:     []int{1, 2, 3, 5},
		OfflineWeights:       []int{70, 20, 7, 3},
	}
}

// Model is a tagged variant over the three failure semantics. All variants
// share one capability set; Tick returns early for None, which makes it a
// no-op without a separate type.
type Model struct {
	kind             Kind
	cfg              Config
	rng              *common.SplitMix64
	totalWeight      int
	offlineRemaining int
	isLeader         bool
}

var _ common.FailureModel = (*Model)(nil)
var _ common.LeaderAware = (*Model)(nil)
var _ common.Crasher = (*Model)(nil)

// NewModel builds a model for one node. The PRNG stream is derived from
// (baseSeed, uid) so equal seeds reproduce equal failure traces.
func NewModel(kind Kind, uid int, baseSeed uint64, cfg Config) (*Model, error) {
	if kind != None {
		if len(cfg.OfflineDurations) == 0 {
			return nil, xerrors.New("failure: offline_durations must not be empty")
		}
		if len(cfg.OfflineDurations) != len(cfg.OfflineWeights) {
			return nil, xerrors.Errorf("failure: offline_durations (%d) and offline_weights (%d) must have equal length",
				len(cfg.OfflineDurations), len(cfg.OfflineWeights))
		}
	}
	total := 0
	for _, w := range cfg.OfflineWeights {
		if w < 0 {
			return nil, xerrors.Errorf("failure: negative offline weight %d", w)
		}
		total += w
	}
	if kind != None && total == 0 {
		return nil, xerrors.New("failure: offline_weights must not sum to zero")
	}
	return &Model{
		kind:        kind,
		cfg:         cfg,
		rng:         common.NewSplitMix64(common.MixSeed(baseSeed, uint64(uid))),
		totalWeight: total,
	}, nil
}

// Tick advances the model by one tick. While offline the remaining span is
// decremented and no new failure is sampled.
func (m *Model) Tick(t int) {
	_ = t
	if m.kind == None {
		return
	}
	if m.offlineRemaining > 0 {
		m.offlineRemaining--
		return
	}
	p := m.cfg.PFail
	if m.isLeader {
		p *= m.cfg.LeaderFailMultiplier
	}
	if m.rng.Float64() < p {
		m.offlineRemaining = m.cfg.OfflineDurations[m.sampleDurationIndex()]
	}
}

func (m *Model) sampleDurationIndex() int {
	r := m.rng.Float64() * float64(m.totalWeight)
	acc := 0.0
	for i, w := range m.cfg.OfflineWeights {
		acc += float64(w)
		if r < acc {
			return i
		}
	}
	return len(m.cfg.OfflineWeights) - 1
}

func (m *Model) CanCommunicate() bool {
	return m.offlineRemaining == 0
}

// SetIsLeader feeds the leadership hint used to scale PFail.
func (m *Model) SetIsLeader(isLeader bool) {
	m.isLeader = isLeader
}

// IsCrashed reports whether the node's algorithm is suspended this tick.
// Only the crash variant ever crashes.
func (m *Model) IsCrashed() bool {
	return m.kind == Crash && m.offlineRemaining > 0
}

// TicksUntilRecovery reports the remaining offline span, for logs.
func (m *Model) TicksUntilRecovery() int {
	return m.offlineRemaining
}

func (m *Model) TypeName() string {
	switch m.kind {
	case Network:
		return "NetworkFailure"
	case Crash:
		return "CrashFailure"
	default:
		return "NoFailure"
	}
}
