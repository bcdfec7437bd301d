package node

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/common"
)

// Config holds the per-node algorithm parameters.
type Config struct {
	HBPeriodTicks        int
	HBTimeoutTicks       int
	ElectionTimeoutTicks int
	PSend                float64
	PDrop                float64
	MaxRecvPerTick       int
}

func DefaultConfig() Config {
	return Config{
		HBPeriodTicks:        1,
		HBTimeoutTicks:       3,
		ElectionTimeoutTicks: 3,
		PSend:                0.30,
		PDrop:                0.0,
		MaxRecvPerTick:       64,
	}
}

// Node is one participant of the Bully election. All state is mutated only
// by the node's own tick phases; the orchestrator injects the transport
// status between ticks via SetCanCommunicate.
//
// A fresh node assumes the highest UID is leader; there is no election on
// cold start.
type Node struct {
	uid      int
	numNodes int
	cfg      Config

	transport common.Transport
	rng       *common.SplitMix64

	leaderUID      int
	lastHBTick     int
	canCommunicate bool

	electionActive        bool
	electionStarted       bool
	waitingForCoordinator bool
	electionStartTick     int
	okReceivedTick        int

	nextMsgID    int32
	pingsSent    int
	acksReceived int

	buffer MessageBuffer
	debug  []common.DebugEntry
}

// New builds a node with identity uid out of numNodes peers. The node's
// PRNG stream is derived from (seed, uid).
func New(uid, numNodes int, cfg Config, transport common.Transport, seed uint64) (*Node, error) {
	if numNodes < 1 {
		return nil, xerrors.Errorf("node: numNodes %d < 1", numNodes)
	}
	if uid < 1 || uid > numNodes {
		return nil, xerrors.Errorf("node: uid %d outside 1..%d", uid, numNodes)
	}
	if transport == nil {
		return nil, xerrors.New("node: transport is required")
	}
	return &Node{
		uid:               uid,
		numNodes:          numNodes,
		cfg:               cfg,
		transport:         transport,
		rng:               common.NewSplitMix64(common.MixSeed(seed, uint64(uid))),
		leaderUID:         numNodes,
		lastHBTick:        -1,
		canCommunicate:    true,
		electionStartTick: -1,
		okReceivedTick:    -1,
	}, nil
}

func (n *Node) UID() int             { return n.uid }
func (n *Node) LeaderUID() int       { return n.leaderUID }
func (n *Node) IsLeader() bool       { return n.uid == n.leaderUID }
func (n *Node) ElectionActive() bool { return n.electionActive }
func (n *Node) CanCommunicate() bool { return n.canCommunicate }

// SetCanCommunicate injects the failure model's verdict for the coming
// tick. Called by the orchestrator before TickBegin.
func (n *Node) SetCanCommunicate(can bool) {
	n.canCommunicate = can
}

// TickBegin starts a tick. Failure state is injected externally, so there
// is nothing to do yet; the phase exists to keep the tick structure fixed.
func (n *Node) TickBegin(t int) {
	_ = t
}

// TickSend runs the send phase: leader heartbeat, election initiation,
// then background ping traffic. Order matters.
func (n *Node) TickSend(t int) {
	n.maybeSendHeartbeat(t)
	if n.electionActive && !n.electionStarted {
		n.startElection(t)
	}
	n.maybeSendRandomPing(t)
}

// TickRecv drains up to MaxRecvPerTick pending messages. Every drained
// message is logged; an isolated node logs what it missed but does not
// dispatch it.
func (n *Node) TickRecv(t int) {
	for drained := 0; drained < n.cfg.MaxRecvPerTick; drained++ {
		m, ok := n.transport.TryRecv(t)
		if !ok {
			break
		}
		n.buffer.LogRecv(t, m)
		if n.canCommunicate {
			n.handleMessage(m, t)
		}
	}
}

// TickEnd evaluates the three timeouts, in order: heartbeat loss,
// coordinator-wait expiry, election win.
func (n *Node) TickEnd(t int) {
	if n.leaderUID != common.NoLeader && n.uid != n.leaderUID &&
		!n.electionActive && !n.waitingForCoordinator &&
		n.lastHBTick >= 0 && t-n.lastHBTick >= n.cfg.HBTimeoutTicks {
		n.electionActive = true
		n.electionStarted = false
		n.debugf(t, "timeout: no heartbeat from leader, starting election")
	}

	if n.waitingForCoordinator && t-n.okReceivedTick > n.cfg.ElectionTimeoutTicks {
		// A higher node acknowledged our election but never announced
		// itself; restart our own election.
		n.waitingForCoordinator = false
		n.okReceivedTick = -1
		n.electionActive = true
		n.electionStarted = false
		n.debugf(t, "timeout: no COORDINATOR received, restarting election")
	}

	if n.electionActive && n.electionStarted && t-n.electionStartTick > n.cfg.ElectionTimeoutTicks {
		// No higher node objected: we are the new leader.
		n.leaderUID = n.uid
		n.electionActive = false
		n.electionStarted = false
		n.debugf(t, "won election: becoming leader")

		coord := common.Message{
			Kind:      common.Coordinator,
			Tick:      t,
			SrcUID:    n.uid,
			DstUID:    common.Broadcast,
			LeaderUID: n.uid,
		}
		n.broadcast(t, coord)
		n.debugf(t, "-> COORDINATOR to all: I am leader")
	}
}

func (n *Node) maybeSendHeartbeat(t int) {
	if n.uid != n.leaderUID {
		return
	}
	if n.cfg.HBPeriodTicks <= 0 || t%n.cfg.HBPeriodTicks != 0 {
		return
	}
	n.debugf(t, "-> HEARTBEAT to all")
	n.broadcast(t, common.Message{
		Kind:      common.Heartbeat,
		Tick:      t,
		SrcUID:    n.uid,
		DstUID:    common.Broadcast,
		LeaderUID: n.uid,
	})
}

func (n *Node) startElection(t int) {
	n.electionStarted = true
	n.electionStartTick = t

	m := common.Message{
		Kind:      common.Election,
		Tick:      t,
		SrcUID:    n.uid,
		DstUID:    common.Broadcast,
		LeaderUID: n.leaderUID,
	}
	sentAny := false
	for peer := n.uid + 1; peer <= n.numNodes; peer++ {
		dropped := n.shouldDropOutgoing()
		n.sendMessage(t, m, peer, dropped)
		if !dropped {
			sentAny = true
			n.debugf(t, "-> ELECTION to %d", peer)
		} else {
			n.debugf(t, "x ELECTION to %d (dropped)", peer)
		}
	}
	if !sentAny && n.uid == n.numNodes {
		// Highest UID: nobody to ask, the win falls out of the timeout.
		n.debugf(t, "no higher nodes: winning after timeout")
	}
}

func (n *Node) maybeSendRandomPing(t int) {
	if n.cfg.PSend <= 0.0 || n.numNodes < 2 {
		return
	}
	if n.rng.Float64() >= n.cfg.PSend {
		return
	}
	dst := n.randomPeer()
	m := common.Message{
		Kind:      common.Ping,
		Tick:      t,
		SrcUID:    n.uid,
		DstUID:    dst,
		LeaderUID: n.leaderUID,
		Aux:       n.nextMsgID,
	}
	n.nextMsgID++
	dropped := n.shouldDropOutgoing()
	n.sendMessage(t, m, dst, dropped)
	if !dropped {
		n.pingsSent++
		n.debugf(t, "-> PING to %d", dst)
	} else {
		n.debugf(t, "x PING to %d (dropped)", dst)
	}
}

// randomPeer picks a uniform peer UID different from self. Callers must
// ensure numNodes >= 2.
func (n *Node) randomPeer() int {
	peer := n.uid
	for peer == n.uid {
		peer = 1 + n.rng.Intn(n.numNodes)
	}
	return peer
}

func (n *Node) handleMessage(m common.Message, t int) {
	switch m.Kind {
	case common.Heartbeat:
		if m.SrcUID >= n.uid {
			n.leaderUID = m.SrcUID
			n.lastHBTick = t
			n.electionActive = false
			n.electionStarted = false
			n.waitingForCoordinator = false
			n.okReceivedTick = -1
			n.debugf(t, "<- HEARTBEAT from %d", m.SrcUID)
		}

	case common.Election:
		ok := common.Message{
			Kind:      common.OK,
			Tick:      t,
			SrcUID:    n.uid,
			DstUID:    m.SrcUID,
			LeaderUID: n.leaderUID,
		}
		dropped := n.shouldDropOutgoing()
		n.sendMessage(t, ok, m.SrcUID, dropped)
		if !dropped {
			n.debugf(t, "-> OK to %d", m.SrcUID)
		} else {
			n.debugf(t, "x OK to %d (dropped)", m.SrcUID)
		}
		if m.SrcUID < n.uid && !n.electionActive {
			n.electionActive = true
			n.electionStarted = false
			n.debugf(t, "<- ELECTION from %d: starting own election", m.SrcUID)
		}

	case common.OK:
		// Only a strictly higher node can make us yield.
		if m.SrcUID > n.uid {
			n.electionActive = false
			n.electionStarted = false
			n.waitingForCoordinator = true
			n.okReceivedTick = t
			n.debugf(t, "<- OK from %d: yielding, waiting for COORDINATOR", m.SrcUID)
		}

	case common.Coordinator:
		if m.SrcUID >= n.uid {
			n.leaderUID = m.SrcUID
			n.lastHBTick = t
			n.electionActive = false
			n.electionStarted = false
			n.waitingForCoordinator = false
			n.okReceivedTick = -1
			n.debugf(t, "<- COORDINATOR from %d: accepted as leader", m.SrcUID)
		} else {
			n.debugf(t, "<- COORDINATOR from %d: rejected (lower UID)", m.SrcUID)
			if !n.electionActive && !n.waitingForCoordinator {
				n.electionActive = true
				n.electionStarted = false
			}
		}

	case common.Ping:
		ack := common.Message{
			Kind:      common.Ack,
			Tick:      t,
			SrcUID:    n.uid,
			DstUID:    m.SrcUID,
			LeaderUID: n.leaderUID,
			Aux:       m.Aux,
		}
		dropped := n.shouldDropOutgoing()
		n.sendMessage(t, ack, m.SrcUID, dropped)
		if !dropped {
			n.debugf(t, "-> ACK to %d", m.SrcUID)
		} else {
			n.debugf(t, "x ACK to %d (dropped)", m.SrcUID)
		}

	case common.Ack:
		n.acksReceived++

	default:
		// Unrecognized kinds are ignored.
	}
}

// StateReport snapshots the node for the observer.
func (n *Node) StateReport(t int) common.StateReport {
	return common.StateReport{
		Tick:           t,
		UID:            n.uid,
		Online:         n.canCommunicate,
		LeaderUID:      n.leaderUID,
		ElectionActive: n.electionActive,
		LastHBTick:     n.lastHBTick,
	}
}

// DrainEvents hands the tick's message events to the caller and clears the
// buffer for the next tick.
func (n *Node) DrainEvents() []common.MessageEvent {
	return n.buffer.Drain()
}

// DrainDebug hands the tick's debug entries to the caller.
func (n *Node) DrainDebug() []common.DebugEntry {
	entries := n.debug
	n.debug = nil
	return entries
}

func (n *Node) debugf(t int, format string, args ...interface{}) {
	n.debug = append(n.debug, common.DebugEntry{
		Tick: t,
		UID:  n.uid,
		Msg:  fmt.Sprintf(format, args...),
	})
}
