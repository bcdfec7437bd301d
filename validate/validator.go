package validate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

// Validator for finished runs: replays the state and message streams and
// checks the Bully invariants on them. Hard rules are correctness
// violations; soft rules flag behavior that is legal in an asynchronous
// system but worth surfacing.

type NodeState struct {
	UID      int  `json:"uid"`
	Online   bool `json:"online"`
	Leader   int  `json:"leader"`
	Election bool `json:"election"`
	LastHB   int  `json:"last_hb"`
}

type stateRecord struct {
	Metadata bool        `json:"metadata"`
	NumNodes int         `json:"num_nodes"`
	NumTicks int         `json:"num_ticks"`
	Seed     uint64      `json:"seed"`
	Tick     int         `json:"tick"`
	Nodes    []NodeState `json:"nodes"`
}

type MessageEvent struct {
	Tick    int    `json:"tick"`
	Type    string `json:"type"`
	Src     int    `json:"src"`
	Dst     int    `json:"dst"`
	Dropped bool   `json:"dropped"`
	Dir     string `json:"dir"`
}

// Run is a parsed pair of log streams.
type Run struct {
	NumNodes int
	NumTicks int
	Seed     uint64

	// States[t] lists the node states at tick t in ascending UID order.
	States   map[int][]NodeState
	Messages []MessageEvent
}

// Result of one rule evaluation.
type Result struct {
	Rule       string
	Passed     bool
	Critical   bool
	Violations []string
	Warnings   []string
}

func (r Result) String() string {
	status := "PASS"
	if !r.Passed {
		if r.Critical {
			status = "FAIL"
		} else {
			status = "WARN"
		}
	}
	s := fmt.Sprintf("[%s] %s", status, r.Rule)
	for _, v := range r.Violations {
		s += "\n    - " + v
	}
	for _, w := range r.Warnings {
		s += "\n    ~ " + w
	}
	return s
}

// LoadRun parses the two streams produced by a simulation run.
func LoadRun(statePath, messagePath string) (*Run, error) {
	run := &Run{States: make(map[int][]NodeState)}

	if err := eachLine(statePath, func(line []byte) error {
		var rec stateRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.Metadata {
			run.NumNodes = rec.NumNodes
			run.NumTicks = rec.NumTicks
			run.Seed = rec.Seed
			return nil
		}
		run.States[rec.Tick] = rec.Nodes
		return nil
	}); err != nil {
		return nil, xerrors.Errorf("validate: load state log: %w", err)
	}

	if err := eachLine(messagePath, func(line []byte) error {
		var ev MessageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		run.Messages = append(run.Messages, ev)
		return nil
	}); err != nil {
		return nil, xerrors.Errorf("validate: load message log: %w", err)
	}

	return run, nil
}

func eachLine(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Options parameterizes rules that depend on the run's configuration.
type Options struct {
	HBPeriodTicks int
}

// Validate evaluates all rules against the run.
func (r *Run) Validate(opts Options) []Result {
	if opts.HBPeriodTicks < 1 {
		opts.HBPeriodTicks = 1
	}
	return []Result{
		r.checkLeaderUniqueness(),
		r.checkLeaderMaximality(),
		r.checkOKResponses(),
		r.checkCoordinatorBroadcasts(),
		r.checkHeartbeatCadence(opts.HBPeriodTicks),
		r.checkIsolationSafety(),
	}
}

// HasHardViolations reports whether any critical rule failed.
func HasHardViolations(results []Result) bool {
	for _, res := range results {
		if !res.Passed && res.Critical {
			return true
		}
	}
	return false
}

// At any tick, at most one online node should believe itself leader. A
// recovering old leader legitimately overlaps with its replacement for a
// delivery round, so only a dual leadership that persists for three or
// more consecutive ticks counts as a violation; shorter overlaps are
// surfaced as warnings.
const dualLeaderGraceTicks = 3

func (r *Run) checkLeaderUniqueness() Result {
	res := Result{Rule: "leader uniqueness among online nodes", Passed: true, Critical: true}
	streak := 0
	for t := 0; t < r.NumTicks; t++ {
		var leaders []int
		for _, n := range r.States[t] {
			if n.Online && n.Leader == n.UID {
				leaders = append(leaders, n.UID)
			}
		}
		if len(leaders) > 1 {
			streak++
			if streak >= dualLeaderGraceTicks {
				res.Passed = false
				res.Violations = append(res.Violations,
					fmt.Sprintf("tick %d: multiple online self-believed leaders %v for %d consecutive ticks",
						t, leaders, streak))
			} else {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("tick %d: transient dual leadership %v", t, leaders))
			}
		} else {
			streak = 0
		}
	}
	return res
}

// When all online nodes agree on an online leader, that leader should be
// the maximum online UID. Transient disagreement is legal, so this is a
// soft rule.
func (r *Run) checkLeaderMaximality() Result {
	res := Result{Rule: "leader maximality at agreed ticks", Passed: true, Critical: false}
	for t := 0; t < r.NumTicks; t++ {
		nodes := r.States[t]
		online := make(map[int]bool)
		maxOnline := -1
		for _, n := range nodes {
			if n.Online {
				online[n.UID] = true
				if n.UID > maxOnline {
					maxOnline = n.UID
				}
			}
		}
		agreed := -2
		for _, n := range nodes {
			if !n.Online {
				continue
			}
			if agreed == -2 {
				agreed = n.Leader
			} else if agreed != n.Leader {
				agreed = -3
			}
		}
		if agreed >= 0 && online[agreed] && agreed != maxOnline {
			res.Passed = false
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("tick %d: agreed leader %d is not the max online UID %d", t, agreed, maxOnline))
		}
	}
	return res
}

// Every ELECTION delivered to an online node must be answered with an OK
// (the OK itself may be dropped). Delivery happens the tick after the
// send; a receiver that is offline at that tick drains and discards the
// message, so no reply is owed.
func (r *Run) checkOKResponses() Result {
	res := Result{Rule: "OK response to delivered ELECTION", Passed: true, Critical: true}

	type pair struct{ src, dst int }
	okSendTicks := make(map[pair][]int)
	for _, ev := range r.Messages {
		if ev.Type == "OK" && ev.Dir == "send" {
			p := pair{ev.Src, ev.Dst}
			okSendTicks[p] = append(okSendTicks[p], ev.Tick)
		}
	}

	for _, ev := range r.Messages {
		if ev.Type != "ELECTION" || ev.Dir != "send" || ev.Dropped {
			continue
		}
		receiver := ev.Dst
		if !r.onlineAt(ev.Tick+1, receiver) {
			continue
		}
		replied := false
		for _, t := range okSendTicks[pair{receiver, ev.Src}] {
			if t > ev.Tick {
				replied = true
				break
			}
		}
		if !replied {
			res.Passed = false
			res.Violations = append(res.Violations,
				fmt.Sprintf("tick %d: ELECTION from %d delivered to online node %d was never answered with OK",
					ev.Tick, ev.Src, receiver))
		}
	}
	return res
}

// A node that newly believes itself leader (outside tick 0's assumed
// leader) must broadcast COORDINATOR to every peer in the same tick.
func (r *Run) checkCoordinatorBroadcasts() Result {
	res := Result{Rule: "COORDINATOR broadcast on election win", Passed: true, Critical: true}

	coordSends := make(map[int]map[int]map[int]bool) // tick -> src -> dst
	for _, ev := range r.Messages {
		if ev.Type != "COORDINATOR" || ev.Dir != "send" {
			continue
		}
		if coordSends[ev.Tick] == nil {
			coordSends[ev.Tick] = make(map[int]map[int]bool)
		}
		if coordSends[ev.Tick][ev.Src] == nil {
			coordSends[ev.Tick][ev.Src] = make(map[int]bool)
		}
		coordSends[ev.Tick][ev.Src][ev.Dst] = true
	}

	// Heartbeat acceptance also sets leader; only flag transitions to
	// *self* leadership, which can only come from a win.
	for t := 1; t < r.NumTicks; t++ {
		prev := indexByUID(r.States[t-1])
		for _, n := range r.States[t] {
			p, ok := prev[n.UID]
			if !ok {
				continue
			}
			if n.Leader == n.UID && p.Leader != p.UID {
				sent := coordSends[t][n.UID]
				for peer := 1; peer <= r.NumNodes; peer++ {
					if peer == n.UID {
						continue
					}
					if !sent[peer] {
						res.Passed = false
						res.Violations = append(res.Violations,
							fmt.Sprintf("tick %d: node %d won election but sent no COORDINATOR to %d", t, n.UID, peer))
					}
				}
			}
		}
	}
	return res
}

// While a node is online and believes itself leader, it must emit
// HEARTBEAT sends on its period. Edge ticks around failures make this a
// soft rule.
func (r *Run) checkHeartbeatCadence(period int) Result {
	res := Result{Rule: "heartbeat cadence of self-believed leaders", Passed: true, Critical: false}

	hbTicks := make(map[int]map[int]bool) // src -> tick
	for _, ev := range r.Messages {
		if ev.Type == "HEARTBEAT" && ev.Dir == "send" {
			if hbTicks[ev.Src] == nil {
				hbTicks[ev.Src] = make(map[int]bool)
			}
			hbTicks[ev.Src][ev.Tick] = true
		}
	}

	for t := 0; t < r.NumTicks; t++ {
		if t%period != 0 {
			continue
		}
		for _, n := range r.States[t] {
			if n.Online && n.Leader == n.UID && r.NumNodes > 1 {
				if !hbTicks[n.UID][t] {
					res.Passed = false
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("tick %d: leader %d emitted no heartbeat", t, n.UID))
				}
			}
		}
	}
	return res
}

// No message may leave an offline node undropped: the transport adapter
// must enforce isolation regardless of algorithm intent.
func (r *Run) checkIsolationSafety() Result {
	res := Result{Rule: "isolation safety (no undropped sends while offline)", Passed: true, Critical: true}
	for _, ev := range r.Messages {
		if ev.Dir != "send" || ev.Dropped {
			continue
		}
		if !r.onlineAt(ev.Tick, ev.Src) {
			res.Passed = false
			res.Violations = append(res.Violations,
				fmt.Sprintf("tick %d: offline node %d sent undropped %s to %d", ev.Tick, ev.Src, ev.Type, ev.Dst))
		}
	}
	return res
}

func (r *Run) onlineAt(tick, uid int) bool {
	for _, n := range r.States[tick] {
		if n.UID == uid {
			return n.Online
		}
	}
	return false
}

func indexByUID(nodes []NodeState) map[int]NodeState {
	m := make(map[int]NodeState, len(nodes))
	for _, n := range nodes {
		m[n.UID] = n
	}
	return m
}
