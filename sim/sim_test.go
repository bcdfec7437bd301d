package sim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dslabs/bullysim/common"
	"github.com/dslabs/bullysim/failure"
	"github.com/dslabs/bullysim/observer"
	"github.com/dslabs/bullysim/validate"
)

// scriptedModel isolates a node on a fixed timetable, for reproducible
// end-to-end scenarios.
type scriptedModel struct {
	uid     int
	offline func(uid, tick int) bool
	down    bool
}

func (m *scriptedModel) Tick(t int)           { m.down = m.offline(m.uid, t) }
func (m *scriptedModel) CanCommunicate() bool { return !m.down }
func (m *scriptedModel) TypeName() string     { return "Scripted" }

// scriptedCrashModel additionally suspends the node.
type scriptedCrashModel struct{ scriptedModel }

func (m *scriptedCrashModel) IsCrashed() bool { return m.down }

func scripted(offline func(uid, tick int) bool) Option {
	return WithFailureModels(func(uid int) (common.FailureModel, error) {
		return &scriptedModel{uid: uid, offline: offline}, nil
	})
}

func neverOffline(uid, tick int) bool { return false }

type parsedState struct {
	UID      int  `json:"uid"`
	Online   bool `json:"online"`
	Leader   int  `json:"leader"`
	Election bool `json:"election"`
	LastHB   int  `json:"last_hb"`
}

type parsedStateLine struct {
	Metadata bool          `json:"metadata"`
	Tick     int           `json:"tick"`
	Nodes    []parsedState `json:"nodes"`
}

type parsedMessage struct {
	Tick    int    `json:"tick"`
	Type    string `json:"type"`
	Src     int    `json:"src"`
	Dst     int    `json:"dst"`
	Dropped bool   `json:"dropped"`
	Dir     string `json:"dir"`
}

func runSimulation(t *testing.T, cfg Config, opts ...Option) (statePath, msgPath string) {
	dir := t.TempDir()
	cfg.Logging.StateLogFile = filepath.Join(dir, "state_log.jsonl")
	cfg.Logging.MessageLogFile = filepath.Join(dir, "message_log.jsonl")
	cfg.Logging.DebugLogFile = filepath.Join(dir, "debug_log.jsonl")
	cfg.Logging.Verbose = false

	obs, err := observer.Open(cfg.Logging, zerolog.Nop())
	require.NoError(t, err)
	simulation, err := New(cfg, obs, opts...)
	require.NoError(t, err)
	require.NoError(t, simulation.Run())
	require.NoError(t, obs.Close())
	return cfg.Logging.StateLogFile, cfg.Logging.MessageLogFile
}

// states[tick][uid]
func parseStates(t *testing.T, path string) map[int]map[int]parsedState {
	states := make(map[int]map[int]parsedState)
	for _, line := range readLines(t, path) {
		var rec parsedStateLine
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec.Metadata {
			continue
		}
		byUID := make(map[int]parsedState)
		for _, n := range rec.Nodes {
			byUID[n.UID] = n
		}
		states[rec.Tick] = byUID
	}
	return states
}

func parseMessages(t *testing.T, path string) []parsedMessage {
	var msgs []parsedMessage
	for _, line := range readLines(t, path) {
		var m parsedMessage
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func readLines(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func baseConfig(nodes, ticks int) Config {
	cfg := DefaultConfig()
	cfg.NumNodes = nodes
	cfg.NumTicks = ticks
	cfg.FailureKind = failure.None
	cfg.Node.PSend = 0
	cfg.Node.PDrop = 0
	return cfg
}

func TestHappyStartThreeNodes(t *testing.T) {
	// N=3, no failures, no drops: every node starts with leader 3 and the
	// leader heartbeats every tick. Nothing ever changes.
	cfg := baseConfig(3, 10)
	cfg.Seed = 1
	statePath, msgPath := runSimulation(t, cfg)

	states := parseStates(t, statePath)
	require.Len(t, states, 10)
	for tick, byUID := range states {
		for uid := 1; uid <= 3; uid++ {
			assert.Equal(t, 3, byUID[uid].Leader, "tick %d uid %d", tick, uid)
			assert.True(t, byUID[uid].Online)
			assert.False(t, byUID[uid].Election)
		}
	}

	hbSends := make(map[int]int) // tick -> count
	for _, m := range parseMessages(t, msgPath) {
		require.NotEqual(t, "ELECTION", m.Type, "no election in a happy run")
		if m.Type == "HEARTBEAT" && m.Dir == "send" {
			assert.Equal(t, 3, m.Src)
			assert.False(t, m.Dropped)
			hbSends[m.Tick]++
		}
	}
	for tick := 0; tick < 10; tick++ {
		assert.Equal(t, 2, hbSends[tick], "heartbeat to both peers at tick %d", tick)
	}

	run, err := validate.LoadRun(statePath, msgPath)
	require.NoError(t, err)
	results := run.Validate(validate.Options{HBPeriodTicks: 1})
	for _, res := range results {
		assert.True(t, res.Passed, res.String())
	}
}

func TestSingleNodeIsItsOwnLeader(t *testing.T) {
	cfg := baseConfig(1, 5)
	statePath, _ := runSimulation(t, cfg)
	states := parseStates(t, statePath)
	require.Len(t, states, 5)
	for tick, byUID := range states {
		assert.Equal(t, 1, byUID[1].Leader, "tick %d", tick)
	}
}

func TestLeaderIsolationElectsNextHighest(t *testing.T) {
	// N=3, UID 3 isolated for ticks 5..14. Heartbeats stop landing after
	// tick 5, nodes 1 and 2 time out together at tick 8 and run the
	// election; 2 gets no OK from 3 and wins at tick 13, 1 adopts the
	// COORDINATOR at tick 14. When 3 recovers its heartbeat reasserts it.
	cfg := baseConfig(3, 20)
	statePath, msgPath := runSimulation(t, cfg, scripted(func(uid, tick int) bool {
		return uid == 3 && tick >= 5 && tick < 15
	}))

	states := parseStates(t, statePath)

	assert.Equal(t, 3, states[7][1].Leader)
	assert.True(t, states[8][1].Election, "heartbeat timeout fired")
	assert.True(t, states[8][2].Election)

	assert.Equal(t, 2, states[13][2].Leader, "2 wins its election by timeout")
	assert.Equal(t, 2, states[14][1].Leader, "1 adopts the COORDINATOR")
	assert.False(t, states[14][1].Election)

	// The isolated node never notices any of it.
	for tick := 5; tick < 15; tick++ {
		assert.Equal(t, 3, states[tick][3].Leader)
		assert.False(t, states[tick][3].Online)
	}

	// Recovery: 3 heartbeats at 15, everyone is back on 3 by 16.
	for tick := 17; tick < 20; tick++ {
		for uid := 1; uid <= 3; uid++ {
			assert.Equal(t, 3, states[tick][uid].Leader, "tick %d uid %d", tick, uid)
		}
	}

	// The election round trip is visible in the message log.
	var sawElection, sawOK, sawCoordinator bool
	for _, m := range parseMessages(t, msgPath) {
		if m.Type == "ELECTION" && m.Src == 1 && m.Dst == 2 && m.Dir == "send" {
			sawElection = true
		}
		if m.Type == "OK" && m.Src == 2 && m.Dst == 1 && m.Dir == "send" {
			sawOK = true
		}
		if m.Type == "COORDINATOR" && m.Src == 2 && m.Dir == "send" && !m.Dropped {
			sawCoordinator = true
		}
	}
	assert.True(t, sawElection)
	assert.True(t, sawOK)
	assert.True(t, sawCoordinator)

	run, err := validate.LoadRun(statePath, msgPath)
	require.NoError(t, err)
	results := run.Validate(validate.Options{HBPeriodTicks: 1})
	assert.False(t, validate.HasHardViolations(results))
}

func TestSimultaneousElectionsFiveNodes(t *testing.T) {
	// N=5, UID 5 isolated from tick 5. All of 1..4 time out at tick 8 and
	// start elections in the same tick; 4 answers OK to everyone, wins
	// its own round, and by tick 14 all reachable nodes follow 4.
	cfg := baseConfig(5, 25)
	statePath, _ := runSimulation(t, cfg, scripted(func(uid, tick int) bool {
		return uid == 5 && tick >= 5 && tick < 20
	}))

	states := parseStates(t, statePath)
	for uid := 1; uid <= 4; uid++ {
		assert.True(t, states[8][uid].Election, "uid %d times out at tick 8", uid)
	}
	for uid := 1; uid <= 4; uid++ {
		assert.Equal(t, 4, states[14][uid].Leader, "uid %d follows 4 at tick 14", uid)
	}
	// 5 reasserts itself after recovery.
	for uid := 1; uid <= 5; uid++ {
		assert.Equal(t, 5, states[22][uid].Leader, "uid %d back on 5", uid)
	}
}

func TestCrashSkipsAlgorithm(t *testing.T) {
	// The crash variant suspends the node: while crashed it emits nothing
	// at all, not even dropped sends.
	cfg := baseConfig(3, 12)
	statePath, msgPath := runSimulation(t, cfg, WithFailureModels(func(uid int) (common.FailureModel, error) {
		return &scriptedCrashModel{scriptedModel{uid: uid, offline: func(uid, tick int) bool {
			return uid == 3 && tick >= 2 && tick < 5
		}}}, nil
	}))

	states := parseStates(t, statePath)
	for tick := 2; tick < 5; tick++ {
		assert.False(t, states[tick][3].Online)
	}
	for _, m := range parseMessages(t, msgPath) {
		if m.Src == 3 && m.Dir == "send" {
			assert.NotContains(t, []int{2, 3, 4}, m.Tick, "crashed node emits no events")
		}
	}
	// Stable again well after recovery.
	for uid := 1; uid <= 3; uid++ {
		assert.Equal(t, 3, states[11][uid].Leader)
		assert.False(t, states[11][uid].Election)
	}
}

func TestLossyLinkStillBehaves(t *testing.T) {
	// Half of all messages dropped. Transient disagreement is expected;
	// the adapter-level invariants must still hold.
	cfg := baseConfig(3, 50)
	cfg.Node.PDrop = 0.5
	cfg.Node.PSend = 0.3
	cfg.Seed = 1
	statePath, msgPath := runSimulation(t, cfg, scripted(neverOffline))

	states := parseStates(t, statePath)
	require.Len(t, states, 50)
	for tick, byUID := range states {
		for uid := 1; uid <= 3; uid++ {
			leader := byUID[uid].Leader
			assert.True(t, leader >= 1 && leader <= 3, "tick %d uid %d leader %d", tick, uid, leader)
		}
	}

	run, err := validate.LoadRun(statePath, msgPath)
	require.NoError(t, err)
	for _, res := range run.Validate(validate.Options{HBPeriodTicks: 1}) {
		switch res.Rule {
		case "OK response to delivered ELECTION",
			"COORDINATOR broadcast on election win",
			"isolation safety (no undropped sends while offline)":
			assert.True(t, res.Passed, res.String())
		}
	}
}

func TestDeterminism(t *testing.T) {
	// Identical configuration and seed must reproduce the streams byte
	// for byte, failures and all.
	cfg := DefaultConfig()
	cfg.NumNodes = 4
	cfg.NumTicks = 30
	cfg.Seed = 7
	cfg.FailureKind = failure.Network
	cfg.Failure.PFail = 0.05
	cfg.Node.PSend = 0.3
	cfg.Node.PDrop = 0.1

	state1, msg1 := runSimulation(t, cfg)
	state2, msg2 := runSimulation(t, cfg)

	stateBytes1, err := os.ReadFile(state1)
	require.NoError(t, err)
	stateBytes2, err := os.ReadFile(state2)
	require.NoError(t, err)
	assert.Equal(t, stateBytes1, stateBytes2, "state logs must be byte-identical")

	msgBytes1, err := os.ReadFile(msg1)
	require.NoError(t, err)
	msgBytes2, err := os.ReadFile(msg2)
	require.NoError(t, err)
	assert.Equal(t, msgBytes1, msgBytes2, "message logs must be byte-identical")

	if diff := deep.Equal(parseStates(t, state1), parseStates(t, state2)); diff != nil {
		t.Errorf("parsed state logs differ: %v", diff)
	}
}

func TestNewRejectsBrokenConfig(t *testing.T) {
	obsDir := t.TempDir()
	logCfg := observer.Config{
		StateLogFile:   filepath.Join(obsDir, "s.jsonl"),
		MessageLogFile: filepath.Join(obsDir, "m.jsonl"),
	}
	obs, err := observer.Open(logCfg, zerolog.Nop())
	require.NoError(t, err)
	defer obs.Close()

	cfg := DefaultConfig()
	cfg.NumNodes = 0
	_, err = New(cfg, obs)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Node.MaxRecvPerTick = 0
	_, err = New(cfg, obs)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Node.PDrop = 1.5
	_, err = New(cfg, obs)
	assert.Error(t, err)

	cfg = DefaultConfig()
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestShortElectionTimeoutOnlyWarns(t *testing.T) {
	cfg := baseConfig(2, 5)
	cfg.Node.ElectionTimeoutTicks = 2
	statePath, _ := runSimulation(t, cfg)
	assert.NotEmpty(t, parseStates(t, statePath), "the run proceeds despite the warning")
}
