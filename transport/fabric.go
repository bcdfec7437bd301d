package transport

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/common"
)

// Fabric is the in-process message fabric connecting the simulated nodes.
// Every sender-receiver pair has its own FIFO queue; only the sender
// mutates the tail and only the receiver mutates the head. A message
// stamped with send tick t becomes visible to TryRecv no earlier than
// tick t+1, which is what makes the two-barrier tick structure sound.
//
// Address 0 is reserved for the controller and has no endpoint; node
// UIDs map one-to-one onto addresses 1..worldSize-1.
type Fabric struct {
	worldSize int
	queues    [][]*pairQueue // indexed [dst][src]
}

type queuedMessage struct {
	msg      common.Message
	sentTick int
}

type pairQueue struct {
	mu    sync.Mutex
	items []queuedMessage
}

func (q *pairQueue) push(m common.Message, tick int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queuedMessage{msg: m, sentTick: tick})
}

// pop removes the head if it was sent before tick now.
func (q *pairQueue) pop(now int) (common.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].sentTick >= now {
		return common.Message{}, false
	}
	m := q.items[0].msg
	q.items = q.items[1:]
	return m, true
}

// NewFabric builds a fabric for worldSize addresses (one controller plus
// worldSize-1 nodes).
func NewFabric(worldSize int) (*Fabric, error) {
	if worldSize < 2 {
		return nil, xerrors.Errorf("fabric: world size %d leaves no room for nodes", worldSize)
	}
	queues := make([][]*pairQueue, worldSize)
	for dst := range queues {
		queues[dst] = make([]*pairQueue, worldSize)
		for src := range queues[dst] {
			queues[dst][src] = &pairQueue{}
		}
	}
	return &Fabric{worldSize: worldSize, queues: queues}, nil
}

func (f *Fabric) WorldSize() int {
	return f.worldSize
}

// NumNodes is the number of node addresses (world size minus controller).
func (f *Fabric) NumNodes() int {
	return f.worldSize - 1
}

// Endpoint binds a node UID to the fabric.
func (f *Fabric) Endpoint(uid int) (*Endpoint, error) {
	if uid < 1 || uid >= f.worldSize {
		return nil, xerrors.Errorf("fabric: uid %d outside 1..%d", uid, f.worldSize-1)
	}
	return &Endpoint{fabric: f, uid: uid}, nil
}

// Endpoint is one node's view of the fabric.
type Endpoint struct {
	fabric *Fabric
	uid    int
}

var _ common.Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(m common.Message, dst int) error {
	if dst < 1 || dst >= e.fabric.worldSize {
		return xerrors.Errorf("fabric: destination %d outside 1..%d", dst, e.fabric.worldSize-1)
	}
	if dst == e.uid {
		return xerrors.New("fabric: self-send is not allowed")
	}
	e.fabric.queues[dst][e.uid].push(m, m.Tick)
	return nil
}

// TryRecv scans the per-sender queues in ascending UID order and returns
// the first message visible at tick now. Scan order is fixed so that runs
// with equal seeds drain in identical order.
func (e *Endpoint) TryRecv(now int) (common.Message, bool) {
	for src := 1; src < e.fabric.worldSize; src++ {
		if src == e.uid {
			continue
		}
		if m, ok := e.fabric.queues[e.uid][src].pop(now); ok {
			return m, true
		}
	}
	return common.Message{}, false
}

// Pending reports the number of queued messages addressed to uid,
// regardless of visibility tick.
func (f *Fabric) Pending(uid int) int {
	n := 0
	for src := 1; src < f.worldSize; src++ {
		q := f.queues[uid][src]
		q.mu.Lock()
		n += len(q.items)
		q.mu.Unlock()
	}
	return n
}
