package channel

import (
	"testing"
	"time"
)

func TestEnqueueAssignsIncrementingIDsForReliable(t *testing.T) {
	s := NewSender(DefaultConfig())
	a := s.Enqueue([]byte("a"))
	b := s.Enqueue([]byte("b"))
	if !a.HasID || !b.HasID {
		t.Fatal("reliable messages must have an id")
	}
	if b.ID != a.ID+1 {
		t.Errorf("expected incrementing ids, got %d then %d", a.ID, b.ID)
	}
}

func TestEnqueueUnreliableHasNoID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = UnreliableUnordered
	s := NewSender(cfg)
	pm := s.Enqueue([]byte("x"))
	if pm.HasID {
		t.Error("unreliable messages should not carry an id")
	}
	drained := s.DrainUnreliable(10)
	if len(drained) != 1 || string(drained[0].Payload) != "x" {
		t.Errorf("DrainUnreliable = %+v", drained)
	}
	if len(s.DrainUnreliable(10)) != 0 {
		t.Error("expected unreliable queue to be empty after drain")
	}
}

func TestEnqueueUnreliableSequencedAssignsIncrementingIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = UnreliableSequenced
	s := NewSender(cfg)
	a := s.Enqueue([]byte("a"))
	b := s.Enqueue([]byte("b"))
	if !a.HasID || !b.HasID {
		t.Fatal("sequenced messages must carry an id so the receiver can gate on it")
	}
	if b.ID != a.ID+1 {
		t.Errorf("expected incrementing ids, got %d then %d", a.ID, b.ID)
	}
	drained := s.DrainUnreliable(10)
	if len(drained) != 2 || !drained[0].HasID || !drained[1].HasID {
		t.Errorf("DrainUnreliable lost HasID: %+v", drained)
	}
}

func TestDueReliableOffersUnsentThenRespectsRTO(t *testing.T) {
	s := NewSender(DefaultConfig())
	pm := s.Enqueue([]byte("payload"))

	now := time.Now()
	due := s.DueReliable(now, 10)
	if len(due) != 1 || due[0] != pm {
		t.Fatalf("expected unsent message to be due immediately, got %d", len(due))
	}

	s.MarkSent(pm, now)
	due = s.DueReliable(now, 10)
	if len(due) != 0 {
		t.Errorf("expected no resend before RTO elapses, got %d", len(due))
	}

	later := now.Add(pm.currentRTO + time.Millisecond)
	due = s.DueReliable(later, 10)
	if len(due) != 1 {
		t.Errorf("expected resend once RTO elapses, got %d", len(due))
	}
}

func TestAckRetiresWholeMessage(t *testing.T) {
	s := NewSender(DefaultConfig())
	pm := s.Enqueue([]byte("payload"))
	s.MarkSent(pm, time.Now())
	s.Ack(pm.ID, 0)

	if len(s.DueReliable(time.Now().Add(time.Hour), 10)) != 0 {
		t.Error("expected acked message to never be due again")
	}
	if s.Stats.Acked != 1 {
		t.Errorf("Stats.Acked = %d, want 1", s.Stats.Acked)
	}
}

func TestAckWaitsForAllFragments(t *testing.T) {
	s := NewSender(DefaultConfig())
	pm := s.Enqueue([]byte("payload"))
	s.MarkFragmented(pm.ID, 3)
	s.MarkSent(pm, time.Now())

	s.Ack(pm.ID, 0)
	s.Ack(pm.ID, 1)
	if len(s.DueReliable(time.Now().Add(time.Hour), 10)) != 1 {
		t.Fatal("expected message still pending with one fragment unacked")
	}
	s.Ack(pm.ID, 2)
	if len(s.DueReliable(time.Now().Add(time.Hour), 10)) != 0 {
		t.Error("expected message retired once every fragment acked")
	}
}

func TestMarkFragmentedIsIdempotentAcrossResends(t *testing.T) {
	s := NewSender(DefaultConfig())
	pm := s.Enqueue([]byte("payload"))
	s.MarkFragmented(pm.ID, 3)
	s.Ack(pm.ID, 0)
	s.Ack(pm.ID, 1)

	// Re-splitting the same message on a resend attempt must not wipe the
	// fragments already acked.
	s.MarkFragmented(pm.ID, 3)
	s.Ack(pm.ID, 2)
	if len(s.DueReliable(time.Now().Add(time.Hour), 10)) != 0 {
		t.Error("expected message retired; re-marking fragmented wiped prior acks")
	}
}

func TestResendPolicyCurves(t *testing.T) {
	mult := ResendPolicy{InitialRTO: 100 * time.Millisecond, Multiplier: 2, MinRTO: 10 * time.Millisecond, MaxRTO: time.Second}
	if got := mult.NextRTO(100*time.Millisecond, 1); got != 200*time.Millisecond {
		t.Errorf("multiplicative NextRTO = %v, want 200ms", got)
	}

	exp := ResendPolicy{InitialRTO: 50 * time.Millisecond, MinRTO: 10 * time.Millisecond, MaxRTO: time.Second, Curve: CurveExponential}
	if got := exp.NextRTO(0, 2); got != 200*time.Millisecond {
		t.Errorf("exponential NextRTO(sendCount=2) = %v, want 200ms", got)
	}
	if got := exp.NextRTO(0, 10); got != time.Second {
		t.Errorf("exponential NextRTO should clamp to MaxRTO, got %v", got)
	}
}
