package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{"none": None, "network": Network, "crash": Crash} {
		kind, err := ParseKind(s)
		assert.NoError(t, err)
		assert.Equal(t, want, kind)
	}
	_, err := ParseKind("byzantine")
	assert.Error(t, err)
}

func TestNoneNeverFails(t *testing.T) {
	m, err := NewModel(None, 1, 12345, Config{})
	require.NoError(t, err)
	for tick := 0; tick < 100; tick++ {
		m.SetIsLeader(tick%2 == 0)
		m.Tick(tick)
		assert.True(t, m.CanCommunicate())
		assert.False(t, m.IsCrashed())
	}
	assert.Equal(t, "NoFailure", m.TypeName())
}

func TestNetworkIsolationSpan(t *testing.T) {
	// With p_fail = 1 and a single duration of 3, the node is offline for
	// exactly three ticks, back for one, and offline again.
	cfg := Config{PFail: 1.0, LeaderFailMultiplier: 1.0, OfflineDurations: []int{3}, OfflineWeights: []int{1}}
	m, err := NewModel(Network, 1, 99, cfg)
	require.NoError(t, err)

	m.Tick(0)
	assert.False(t, m.CanCommunicate())
	assert.Equal(t, 3, m.TicksUntilRecovery())
	m.Tick(1)
	assert.False(t, m.CanCommunicate())
	m.Tick(2)
	assert.False(t, m.CanCommunicate())
	m.Tick(3)
	// Isolation expired this tick; no fresh sample is drawn while
	// recovering.
	assert.True(t, m.CanCommunicate())
	m.Tick(4)
	assert.False(t, m.CanCommunicate(), "p_fail=1 re-isolates on the next live tick")
	assert.False(t, m.IsCrashed(), "network isolation never crashes the algorithm")
	assert.Equal(t, "NetworkFailure", m.TypeName())
}

func TestNetworkDeterministicTrace(t *testing.T) {
	cfg := Config{PFail: 0.5, LeaderFailMultiplier: 1.0, OfflineDurations: []int{1, 2}, OfflineWeights: []int{1, 1}}
	a, err := NewModel(Network, 3, 777, cfg)
	require.NoError(t, err)
	b, err := NewModel(Network, 3, 777, cfg)
	require.NoError(t, err)
	c, err := NewModel(Network, 4, 777, cfg)
	require.NoError(t, err)

	var traceA, traceB, traceC []bool
	for tick := 0; tick < 200; tick++ {
		a.Tick(tick)
		b.Tick(tick)
		c.Tick(tick)
		traceA = append(traceA, a.CanCommunicate())
		traceB = append(traceB, b.CanCommunicate())
		traceC = append(traceC, c.CanCommunicate())
	}
	assert.Equal(t, traceA, traceB, "same seed and uid must reproduce the trace")
	assert.NotEqual(t, traceA, traceC, "different uids must have independent traces")
}

func TestLeaderFailMultiplier(t *testing.T) {
	// p_fail 0.5 with multiplier 2 makes the leader fail with certainty.
	cfg := Config{PFail: 0.5, LeaderFailMultiplier: 2.0, OfflineDurations: []int{1}, OfflineWeights: []int{1}}
	m, err := NewModel(Network, 2, 5, cfg)
	require.NoError(t, err)
	m.SetIsLeader(true)
	m.Tick(0)
	assert.False(t, m.CanCommunicate())
}

func TestCrashSuspendsAlgorithm(t *testing.T) {
	cfg := Config{PFail: 1.0, LeaderFailMultiplier: 1.0, OfflineDurations: []int{2}, OfflineWeights: []int{1}}
	m, err := NewModel(Crash, 1, 1, cfg)
	require.NoError(t, err)
	m.Tick(0)
	assert.False(t, m.CanCommunicate())
	assert.True(t, m.IsCrashed())
	m.Tick(1)
	assert.True(t, m.IsCrashed())
	m.Tick(2)
	assert.False(t, m.IsCrashed())
	assert.True(t, m.CanCommunicate())
	assert.Equal(t, "CrashFailure", m.TypeName())
}

func TestNewModelRejectsBadConfig(t *testing.T) {
	_, err := NewModel(Network, 1, 0, Config{PFail: 0.1})
	assert.Error(t, err, "empty durations")

	_, err = NewModel(Network, 1, 0, Config{PFail: 0.1, OfflineDurations: []int{1, 2}, OfflineWeights: []int{1}})
	assert.Error(t, err, "length mismatch")

	_, err = NewModel(Network, 1, 0, Config{PFail: 0.1, OfflineDurations: []int{1}, OfflineWeights: []int{0}})
	assert.Error(t, err, "zero total weight")

	_, err = NewModel(Crash, 1, 0, Config{PFail: 0.1, OfflineDurations: []int{1}, OfflineWeights: []int{-1}})
	assert.Error(t, err, "negative weight")
}
