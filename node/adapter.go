package node

import "github.com/dslabs/bullysim/common"

// Transport adapter: every outgoing message goes through sendMessage,
// which enforces isolation regardless of what the algorithm intended and
// records the event either way.

func (n *Node) sendMessage(t int, m common.Message, dst int, dropped bool) {
	effectivelyDropped := dropped || !n.canCommunicate
	n.buffer.LogSend(t, m, dst, effectivelyDropped)
	if effectivelyDropped {
		return
	}
	if err := n.transport.Send(m, dst); err != nil {
		n.debugf(t, "send to %d failed: %v", dst, err)
	}
}

// broadcast fans a message out to every peer, applying an independent drop
// sample per destination.
func (n *Node) broadcast(t int, m common.Message) {
	for peer := 1; peer <= n.numNodes; peer++ {
		if peer == n.uid {
			continue
		}
		n.sendMessage(t, m, peer, n.shouldDropOutgoing())
	}
}

func (n *Node) shouldDropOutgoing() bool {
	if n.cfg.PDrop <= 0.0 {
		return false
	}
	return n.rng.Float64() <= n.cfg.PDrop
}
