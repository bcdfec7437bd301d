package common

// Transport is the point-to-point channel a node uses to reach its peers.
// Implementations must preserve FIFO order per sender-receiver pair and
// must not surface a message before the tick after it was sent.
type Transport interface {
	// Send dispatches a message to the peer with the given UID. The
	// message's Tick field is taken as the send tick.
	Send(m Message, dst int) error
	// TryRecv probes nonblockingly for a pending message that is visible
	// at tick now. It returns false immediately when nothing is pending.
	TryRecv(now int) (Message, bool)
}

// FailureModel decides, per tick, whether its node's transport works.
// Models are total: they never fail themselves.
type FailureModel interface {
	// Tick advances the model's internal state to tick t.
	Tick(t int)
	CanCommunicate() bool
	TypeName() string
}

// LeaderAware failure models scale their failure rate while the node
// believes itself leader. The orchestrator passes the hint before Tick.
type LeaderAware interface {
	SetIsLeader(isLeader bool)
}

// Crasher failure models suspend the node's algorithm entirely, not just
// its transport. The orchestrator skips the node's phases while crashed.
type Crasher interface {
	IsCrashed() bool
}
