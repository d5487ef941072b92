package channel

import "time"

// PendingMessage is one outbound message a Sender is tracking. For
// unreliable channels it is transient (handed to the packet builder once
// and dropped). For reliable channels it lives until every fragment is
// acked.
type PendingMessage struct {
	ID       uint16
	HasID    bool
	Payload  []byte
	Priority byte // a caller-supplied hint, carried in the wire flags byte

	// Reliable-only bookkeeping.
	firstSend      bool
	lastSendTime   time.Time
	currentRTO     time.Duration
	sendCount      int
	fragmentCount  int          // 0 or 1 means "not fragmented"
	ackedFragments map[int]bool // only allocated once fragmented
}

// Fragmented reports whether this message was split by the packet
// builder.
func (p *PendingMessage) Fragmented() bool { return p.fragmentCount > 1 }

// Sender holds one channel's outbound state (spec §4.C "Sender state per
// channel"). Grounded in the teacher's Session.SendQueue/RecoveryQueue,
// generalized from one baked-in channel to N independently configured
// ones.
type Sender struct {
	cfg Config

	nextMessageID uint16

	// Reliable channels keep an ordered queue of not-yet-fully-acked
	// messages in enqueue order; DueReliable walks it in that order, so
	// unsent messages and due resends are offered together, oldest
	// first.
	order   []uint16
	pending map[uint16]*PendingMessage

	// Unreliable channels are a simple FIFO of payloads to be handed to
	// the packet builder once.
	unreliableQueue []PendingMessage

	// Priority accumulator (spec §4.D step 1 & 5).
	Accumulator float64

	Stats Stats
}

// NewSender constructs a Sender for the given channel configuration.
func NewSender(cfg Config) *Sender {
	return &Sender{
		cfg:         cfg,
		pending:     make(map[uint16]*PendingMessage),
		Accumulator: cfg.Priority,
	}
}

// Priority returns the channel's configured priority.
func (s *Sender) Priority() float64 { return s.cfg.Priority }

// Accumulate advances the priority accumulator by one send opportunity
// (spec §4.D step 1).
func (s *Sender) Accumulate() { s.Accumulator += s.cfg.Priority }

// ResetAccumulator drops the accumulator back to its base priority after
// the channel has had at least one byte written in a build (spec §4.D
// step 5).
func (s *Sender) ResetAccumulator() { s.Accumulator = s.cfg.Priority }

// Config exposes the sender's immutable configuration.
func (s *Sender) Config() Config { return s.cfg }

// Enqueue submits a new application message for sending. It assigns a
// MessageId for reliable channels and UnreliableSequenced channels alike
// (spec §4.B; sequenced delivery has nothing to gate on otherwise);
// UnreliableUnordered channels send without one.
func (s *Sender) Enqueue(payload []byte) *PendingMessage {
	if s.cfg.Mode.Reliable() {
		id := s.nextMessageID
		s.nextMessageID++
		pm := &PendingMessage{ID: id, HasID: true, Payload: payload}
		s.pending[id] = pm
		s.order = append(s.order, id)
		return pm
	}
	if s.cfg.Mode == UnreliableSequenced {
		id := s.nextMessageID
		s.nextMessageID++
		pm := PendingMessage{ID: id, HasID: true, Payload: payload}
		s.unreliableQueue = append(s.unreliableQueue, pm)
		return &s.unreliableQueue[len(s.unreliableQueue)-1]
	}
	pm := PendingMessage{Payload: payload}
	s.unreliableQueue = append(s.unreliableQueue, pm)
	return &s.unreliableQueue[len(s.unreliableQueue)-1]
}

// DrainUnreliable pops up to max queued unreliable messages for the
// packet builder to pack. They are not retained afterward — delivery is
// best-effort.
func (s *Sender) DrainUnreliable(max int) []PendingMessage {
	if s.cfg.Mode.Reliable() || len(s.unreliableQueue) == 0 {
		return nil
	}
	n := max
	if n > len(s.unreliableQueue) {
		n = len(s.unreliableQueue)
	}
	out := s.unreliableQueue[:n]
	s.unreliableQueue = s.unreliableQueue[n:]
	return out
}

// DueReliable returns up to max reliable messages that are either unsent
// or whose resend timer (RTO) has elapsed, in enqueue order. now is
// the host-injected monotonic clock sample (spec §5).
func (s *Sender) DueReliable(now time.Time, max int) []*PendingMessage {
	if !s.cfg.Mode.Reliable() {
		return nil
	}
	var out []*PendingMessage
	for _, id := range s.order {
		if len(out) >= max {
			break
		}
		pm, ok := s.pending[id]
		if !ok {
			continue // already fully acked and GC'd from s.order lazily
		}
		if !pm.firstSend || now.Sub(pm.lastSendTime) >= pm.currentRTO {
			out = append(out, pm)
		}
	}
	return out
}

// MarkSent records that pm was just handed to the transport, starting or
// restarting its RTO clock.
func (s *Sender) MarkSent(pm *PendingMessage, now time.Time) {
	if !pm.firstSend {
		pm.firstSend = true
		pm.currentRTO = s.cfg.ResendPolicy.InitialRTO
	} else {
		pm.currentRTO = s.cfg.ResendPolicy.NextRTO(pm.currentRTO, pm.sendCount)
		s.Stats.Resent++
	}
	pm.sendCount++
	pm.lastSendTime = now
	s.Stats.Sent++
}

// MarkFragmented records the total fragment count once the packet builder
// has split a message, so Ack can tell when every fragment has arrived.
// It is idempotent across resends of the same message: calling it again
// with the same fragmentCount must not discard fragments already acked.
func (s *Sender) MarkFragmented(id uint16, fragmentCount int) {
	pm, ok := s.pending[id]
	if !ok {
		return
	}
	if pm.fragmentCount == fragmentCount {
		return
	}
	pm.fragmentCount = fragmentCount
	pm.ackedFragments = make(map[int]bool, fragmentCount)
}

// Ack marks a (possibly fragment of a) reliable message delivered. When
// every fragment (or the single whole message) has been acked, the entry
// is retired and no further resends are attempted.
func (s *Sender) Ack(id uint16, fragmentIndex int) {
	pm, ok := s.pending[id]
	if !ok {
		return // already retired, or an unreliable/unknown id
	}
	s.Stats.Acked++
	if !pm.Fragmented() {
		s.retire(id)
		return
	}
	pm.ackedFragments[fragmentIndex] = true
	if len(pm.ackedFragments) >= pm.fragmentCount {
		s.retire(id)
	}
}

func (s *Sender) retire(id uint16) {
	delete(s.pending, id)
	// s.order entries for retired ids are skipped lazily in DueReliable;
	// compact occasionally to bound memory.
	if len(s.order) > 4*len(s.pending)+32 {
		compacted := s.order[:0]
		for _, oid := range s.order {
			if _, ok := s.pending[oid]; ok {
				compacted = append(compacted, oid)
			}
		}
		s.order = compacted
	}
}

// QueueDepth reports how many messages (pending-reliable plus
// unreliable-queued) are waiting to go out, for Stats/metrics.
func (s *Sender) QueueDepth() int {
	return len(s.pending) + len(s.unreliableQueue)
}
