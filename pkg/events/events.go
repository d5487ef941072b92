// Package events defines the core's user-visible event surface (spec §7:
// "a stream of events") and the queue poll_events() drains (spec §6).
//
// Adapted from the teacher's core/events/events.go EventType/Event shape,
// re-scoped from gameplay events (PlayerSpawn, VehicleSpawn, ...) to the
// four protocol-level events this spec defines, and changed from a
// handler-registration model to a polled queue, per spec §6's literal
// `poll_events() -> [Connected|Disconnected|Desync|...]` API.
package events

import "github.com/google/uuid"

// Kind identifies the event variant.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	Desync
	ProtocolMismatch
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Desync:
		return "Desync"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	default:
		return "Unknown"
	}
}

// DisconnectReason distinguishes why a peer was dropped (spec §7's
// taxonomy names distinct causes a host needs to tell apart).
type DisconnectReason int

const (
	ReasonTimeout DisconnectReason = iota
	ReasonProtocolMismatch
	ReasonLocal
	ReasonRemote
	ReasonReplicationApplyFailure
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolMismatch:
		return "protocol_mismatch"
	case ReasonLocal:
		return "local"
	case ReasonRemote:
		return "remote"
	case ReasonReplicationApplyFailure:
		return "replication_apply_failure"
	default:
		return "unknown"
	}
}

// Event is a single occurrence on the core's event stream. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind   Kind
	Peer   uuid.UUID
	Reason DisconnectReason // Disconnected
	Entity uint64           // Desync: NetEntityId
	Tick   uint32           // Desync: tick of the mismatch
}

// Queue is a simple FIFO the core pushes to and the host drains via
// poll_events(). Not safe for concurrent use across goroutines; per spec
// §5 the core is single-threaded cooperative within one peer's loop.
type Queue struct {
	items []Event
}

// Push appends an event.
func (q *Queue) Push(e Event) {
	q.items = append(q.items, e)
}

// Drain returns and clears all pending events.
func (q *Queue) Drain() []Event {
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of pending events.
func (q *Queue) Len() int { return len(q.items) }
