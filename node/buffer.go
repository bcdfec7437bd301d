package node

import "github.com/dslabs/bullysim/common"

// MaxMsgEventsPerTick bounds the per-tick observability buffer. Overflow
// is silently truncated so that logging can never back-pressure the
// algorithm.
const MaxMsgEventsPerTick = 32

// MessageBuffer records the send and receive events of a single tick.
// The orchestrator drains it after the end phase.
type MessageBuffer struct {
	events []common.MessageEvent
}

func (b *MessageBuffer) add(e common.MessageEvent) {
	if len(b.events) >= MaxMsgEventsPerTick {
		return
	}
	b.events = append(b.events, e)
}

func (b *MessageBuffer) LogSend(tick int, m common.Message, dst int, dropped bool) {
	b.add(common.MessageEvent{
		Tick:    tick,
		Kind:    m.Kind,
		SrcUID:  m.SrcUID,
		DstUID:  dst,
		Dropped: dropped,
		Dir:     common.DirSend,
	})
}

func (b *MessageBuffer) LogRecv(tick int, m common.Message) {
	b.add(common.MessageEvent{
		Tick:    tick,
		Kind:    m.Kind,
		SrcUID:  m.SrcUID,
		DstUID:  m.DstUID,
		Dropped: false,
		Dir:     common.DirRecv,
	})
}

func (b *MessageBuffer) Len() int {
	return len(b.events)
}

// Drain returns the buffered events and resets the buffer.
func (b *MessageBuffer) Drain() []common.MessageEvent {
	events := b.events
	b.events = nil
	return events
}
