package channel

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/riftloop/netcore/pkg/seq"
)

// Delivery is one payload handed up to the application, in the order the
// channel's mode guarantees.
type Delivery struct {
	MessageID uint16
	HasID     bool
	Payload   []byte
}

// Receiver applies the four per-mode deliver/discard rules of spec §4.C.
// It only ever sees complete, already-reassembled payloads — fragment
// reassembly is pkg/packetbuilder's job, never this package's.
type Receiver struct {
	cfg Config

	// UnreliableSequenced: drop anything not newer than the last delivered
	// sequence number.
	haveLastDelivered bool
	lastDelivered     uint16

	// ReliableOrdered: messages that arrived ahead of expected, held until
	// their turn.
	expected uint16
	reorder  map[uint16][]byte

	// ReliableUnordered: dedup by id, delivered once each in arrival order.
	deliveredUnordered *lru.Cache[uint16, struct{}]
}

// dedupWindow is the sliding window of recently delivered MessageIds kept
// for ReliableUnordered dedup (spec §4.C).
const dedupWindow = 1024

// NewReceiver constructs a Receiver for the given channel configuration.
func NewReceiver(cfg Config) *Receiver {
	r := &Receiver{cfg: cfg}
	switch cfg.Mode {
	case ReliableUnordered:
		c, _ := lru.New[uint16, struct{}](dedupWindow)
		r.deliveredUnordered = c
	case ReliableOrdered:
		r.reorder = make(map[uint16][]byte)
	}
	return r
}

// OnMessage feeds one arrived message (already reassembled if it was
// fragmented) through the channel's mode rules, returning zero or more
// deliveries to hand to the application in order.
func (r *Receiver) OnMessage(hasID bool, id uint16, payload []byte) []Delivery {
	switch r.cfg.Mode {
	case UnreliableUnordered:
		return r.onUnreliableUnordered(payload)
	case UnreliableSequenced:
		return r.onUnreliableSequenced(id, payload)
	case ReliableUnordered:
		return r.onReliableUnordered(id, payload)
	case ReliableOrdered:
		return r.onReliableOrdered(id, payload)
	default:
		return nil
	}
}

// onUnreliableUnordered delivers every arrival immediately: this mode
// makes no ordering or dedup guarantee, matching spec §4.C exactly, so
// there is nothing to track between calls.
func (r *Receiver) onUnreliableUnordered(payload []byte) []Delivery {
	return []Delivery{{Payload: payload}}
}

func (r *Receiver) onUnreliableSequenced(id uint16, payload []byte) []Delivery {
	if r.haveLastDelivered && !seq.Uint16MoreRecent(id, r.lastDelivered) {
		return nil // stale or duplicate, discard per spec §4.C
	}
	r.haveLastDelivered = true
	r.lastDelivered = id
	return []Delivery{{MessageID: id, HasID: true, Payload: payload}}
}

func (r *Receiver) onReliableUnordered(id uint16, payload []byte) []Delivery {
	if _, dup := r.deliveredUnordered.Get(id); dup {
		return nil
	}
	r.deliveredUnordered.Add(id, struct{}{})
	return []Delivery{{MessageID: id, HasID: true, Payload: payload}}
}

func (r *Receiver) onReliableOrdered(id uint16, payload []byte) []Delivery {
	if id != r.expected {
		if seq.Uint16MoreRecent(id, r.expected) {
			if _, dup := r.reorder[id]; !dup {
				r.reorder[id] = payload
			}
		}
		// id is behind expected: already delivered, discard as duplicate.
		return nil
	}
	out := []Delivery{{MessageID: id, HasID: true, Payload: payload}}
	r.expected++
	for {
		next, ok := r.reorder[r.expected]
		if !ok {
			break
		}
		delete(r.reorder, r.expected)
		out = append(out, Delivery{MessageID: r.expected, HasID: true, Payload: next})
		r.expected++
	}
	return out
}

// ReorderDepth reports how many out-of-order messages a ReliableOrdered
// receiver is currently holding, for Stats/metrics.
func (r *Receiver) ReorderDepth() int {
	return len(r.reorder)
}
