package channel

import "testing"

func payloads(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Payload)
	}
	return out
}

func TestUnreliableUnorderedDeliversEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = UnreliableUnordered
	r := NewReceiver(cfg)

	if got := r.OnMessage(false, 0, []byte("a")); len(got) != 1 {
		t.Fatalf("expected delivery, got %v", got)
	}
	if got := r.OnMessage(false, 0, []byte("a")); len(got) != 1 {
		t.Errorf("expected duplicate still delivered (no guarantee), got %v", got)
	}
}

func TestUnreliableSequencedDropsStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = UnreliableSequenced
	r := NewReceiver(cfg)

	if got := r.OnMessage(true, 5, []byte("five")); len(got) != 1 {
		t.Fatalf("expected delivery of seq 5, got %v", got)
	}
	if got := r.OnMessage(true, 3, []byte("three")); len(got) != 0 {
		t.Errorf("expected stale seq 3 to be dropped, got %v", got)
	}
	if got := r.OnMessage(true, 7, []byte("seven")); len(got) != 1 {
		t.Errorf("expected newer seq 7 delivered, got %v", got)
	}
}

func TestReliableUnorderedDedupsByID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ReliableUnordered
	r := NewReceiver(cfg)

	if got := r.OnMessage(true, 1, []byte("one")); len(got) != 1 {
		t.Fatalf("expected first delivery, got %v", got)
	}
	if got := r.OnMessage(true, 1, []byte("one")); len(got) != 0 {
		t.Errorf("expected duplicate id dropped, got %v", got)
	}
	if got := r.OnMessage(true, 2, []byte("two")); len(got) != 1 {
		t.Errorf("expected delivery regardless of arrival order, got %v", got)
	}
}

func TestReliableOrderedBuffersAndDrainsInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ReliableOrdered
	r := NewReceiver(cfg)

	if got := r.OnMessage(true, 2, []byte("two")); len(got) != 0 {
		t.Fatalf("expected out-of-order message 2 to be buffered, got %v", got)
	}
	if got := r.OnMessage(true, 1, []byte("one")); len(got) != 0 {
		t.Fatalf("expected out-of-order message 1 to be buffered, got %v", got)
	}
	got := r.OnMessage(true, 0, []byte("zero"))
	want := []string{"zero", "one", "two"}
	if len(got) != 3 {
		t.Fatalf("expected expected-message arrival to drain buffered ones too, got %v", payloads(got))
	}
	for i, w := range want {
		if string(got[i].Payload) != w {
			t.Errorf("delivery[%d] = %q, want %q", i, got[i].Payload, w)
		}
	}
	if r.ReorderDepth() != 0 {
		t.Errorf("expected reorder buffer drained, depth = %d", r.ReorderDepth())
	}
}

func TestReliableOrderedDropsDuplicateOfAlreadyDelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ReliableOrdered
	r := NewReceiver(cfg)

	r.OnMessage(true, 0, []byte("zero"))
	if got := r.OnMessage(true, 0, []byte("zero-again")); len(got) != 0 {
		t.Errorf("expected duplicate of delivered message dropped, got %v", got)
	}
}
