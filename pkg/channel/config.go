// Package channel implements per-channel reliability/order/priority
// policies over a message stream (spec §4.C), independent of how those
// messages eventually get packed into datagrams (that's pkg/packetbuilder).
package channel

import "time"

// Mode selects one of the four reliability/ordering policies (spec §4.C).
type Mode int

const (
	UnreliableUnordered Mode = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableOrdered
)

func (m Mode) Reliable() bool {
	return m == ReliableUnordered || m == ReliableOrdered
}

func (m Mode) String() string {
	switch m {
	case UnreliableUnordered:
		return "UnreliableUnordered"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return "Unknown"
	}
}

// Direction records which side of a connection may send on a channel.
// It is only stored in Config; nothing in this module checks it at
// registration or when sending.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
	Bidirectional
)

// ResendCurve selects how RTO grows across retries (spec §4.C
// "resend_policy"; SPEC_FULL.md §C.5 generalizes this to a pluggable
// curve instead of one hardcoded multiplier).
type ResendCurve int

const (
	// CurveMultiplicative multiplies the previous RTO by Multiplier each
	// retry, clamped to [MinRTO, MaxRTO] — the behavior spec.md §4.C
	// names directly ("RTO multiplier on retry").
	CurveMultiplicative ResendCurve = iota
	// CurveExponential doubles InitialRTO once per prior send, stopping
	// once it reaches MaxRTO, then holds at MaxRTO.
	CurveExponential
)

// ResendPolicy configures retransmission timing for reliable channels.
type ResendPolicy struct {
	InitialRTO time.Duration
	Multiplier float64
	MinRTO     time.Duration
	MaxRTO     time.Duration
	Curve      ResendCurve
}

// DefaultResendPolicy is a reasonable default for a LAN/internet hybrid.
func DefaultResendPolicy() ResendPolicy {
	return ResendPolicy{
		InitialRTO: 100 * time.Millisecond,
		Multiplier: 1.5,
		MinRTO:     50 * time.Millisecond,
		MaxRTO:     3 * time.Second,
		Curve:      CurveMultiplicative,
	}
}

// NextRTO computes the RTO to wait before the next retry, given the
// current RTO and how many times the message has already been sent.
func (p ResendPolicy) NextRTO(current time.Duration, sendCount int) time.Duration {
	var next time.Duration
	switch p.Curve {
	case CurveExponential:
		next = p.InitialRTO
		for i := 0; i < sendCount && next < p.MaxRTO; i++ {
			next *= 2
		}
	default: // CurveMultiplicative
		next = time.Duration(float64(current) * p.Multiplier)
	}
	if next < p.MinRTO {
		next = p.MinRTO
	}
	if next > p.MaxRTO {
		next = p.MaxRTO
	}
	return next
}

// Config is the full set of options recognized by register_channel (spec
// §6), plus max_message_bytes which the packet builder consults for
// fragmentation (spec §4.D).
type Config struct {
	Mode            Mode
	Direction       Direction
	Priority        float64
	ResendPolicy    ResendPolicy
	MaxMessageBytes int
}

// DefaultConfig returns a ReliableOrdered, bidirectional, priority-1
// channel with the default resend policy — a safe starting point callers
// can override fields on.
func DefaultConfig() Config {
	return Config{
		Mode:            ReliableOrdered,
		Direction:       Bidirectional,
		Priority:        1.0,
		ResendPolicy:    DefaultResendPolicy(),
		MaxMessageBytes: 1100,
	}
}

// Stats is a point-in-time snapshot of channel activity, fed into
// pkg/metrics by the host (SPEC_FULL.md §C.2).
type Stats struct {
	Sent       uint64
	Resent     uint64
	Acked      uint64
	Dropped    uint64
	QueueDepth int
}
