package prediction

import (
	"testing"

	"github.com/riftloop/netcore/pkg/events"
	"github.com/riftloop/netcore/pkg/world"
)

const kindPos world.ComponentKind = 1

type fakeWorld struct {
	nextID world.EntityID
	live   map[world.EntityID]bool
	comps  map[world.EntityID]map[world.ComponentKind]interface{}
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{nextID: 1, live: make(map[world.EntityID]bool), comps: make(map[world.EntityID]map[world.ComponentKind]interface{})}
}

func (w *fakeWorld) Spawn() world.EntityID {
	id := w.nextID
	w.nextID++
	w.live[id] = true
	w.comps[id] = make(map[world.ComponentKind]interface{})
	return id
}
func (w *fakeWorld) Despawn(id world.EntityID)      { delete(w.live, id); delete(w.comps, id) }
func (w *fakeWorld) Exists(id world.EntityID) bool  { return w.live[id] }
func (w *fakeWorld) Get(id world.EntityID, k world.ComponentKind) (interface{}, bool) {
	v, ok := w.comps[id][k]
	return v, ok
}
func (w *fakeWorld) Insert(id world.EntityID, k world.ComponentKind, v interface{}) { w.comps[id][k] = v }
func (w *fakeWorld) Remove(id world.EntityID, k world.ComponentKind)                { delete(w.comps[id], k) }
func (w *fakeWorld) ComponentsOf(id world.EntityID) []world.ComponentKind {
	var out []world.ComponentKind
	for k := range w.comps[id] {
		out = append(out, k)
	}
	return out
}

func exactTolerance(predicted, confirmed interface{}) bool {
	return predicted.(float64) == confirmed.(float64)
}

func TestReconcileEvictsOnMatch(t *testing.T) {
	w := newFakeWorld()
	e := w.Spawn()
	w.Insert(e, kindPos, 1.0)

	q := &events.Queue{}
	p := New(Config{MaxPredictionTicks: 32}, exactTolerance, nil, nil, q)
	p.MarkPredicted(e)
	p.RecordTick(w, 10, map[world.EntityID][]world.ComponentKind{e: {kindPos}})

	p.Reconcile(w, ConfirmedState{Entity: e, Tick: 10, Values: map[world.ComponentKind]interface{}{kindPos: 1.0}}, 10, nil)

	if _, found := p.entities[e].hist.at(10); found {
		t.Error("expected matching confirmed tick evicted from history")
	}
	if q.Len() != 0 {
		t.Errorf("expected no desync event on a match, got %d", q.Len())
	}
}

func TestReconcileRollsBackOnMismatch(t *testing.T) {
	w := newFakeWorld()
	e := w.Spawn()
	w.Insert(e, kindPos, 5.0)

	q := &events.Queue{}
	resimCalls := 0
	resim := func(w world.World, tick uint32, localInput []byte, remoteInput func(world.EntityID) []byte) {
		resimCalls++
		w.Insert(e, kindPos, 100.0+float64(tick))
	}
	p := New(Config{MaxPredictionTicks: 32}, exactTolerance, resim, func(uint32) []byte { return nil }, q)
	p.MarkPredicted(e)
	p.RecordTick(w, 10, map[world.EntityID][]world.ComponentKind{e: {kindPos}}) // predicted 5.0 at tick 10

	p.Reconcile(w, ConfirmedState{Entity: e, Tick: 10, Values: map[world.ComponentKind]interface{}{kindPos: 9.0}}, 12, func(world.EntityID) []byte { return nil })

	if resimCalls != 2 { // ticks 11, 12
		t.Errorf("expected 2 resimulation calls for ticks 11-12, got %d", resimCalls)
	}
	v, _ := w.Get(e, kindPos)
	if v.(float64) != 100.0+12.0 {
		t.Errorf("expected world left at last resimulated tick's value, got %v", v)
	}
}

func TestReconcileBeyondMaxPredictionTicksSnapsAndEmitsDesync(t *testing.T) {
	w := newFakeWorld()
	e := w.Spawn()
	w.Insert(e, kindPos, 5.0)

	q := &events.Queue{}
	p := New(Config{MaxPredictionTicks: 4}, exactTolerance, nil, nil, q)
	p.MarkPredicted(e)
	p.RecordTick(w, 10, map[world.EntityID][]world.ComponentKind{e: {kindPos}})

	p.Reconcile(w, ConfirmedState{Entity: e, NetEntity: 77, Tick: 10, Values: map[world.ComponentKind]interface{}{kindPos: 9.0}}, 20, nil)

	v, _ := w.Get(e, kindPos)
	if v.(float64) != 9.0 {
		t.Errorf("expected world snapped to confirmed value, got %v", v)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one desync event, got %d", q.Len())
	}
	evs := q.Drain()
	if evs[0].Kind != events.Desync || evs[0].Entity != 77 || evs[0].Tick != 10 {
		t.Errorf("unexpected desync event: %+v", evs[0])
	}
}

func TestReconcileMissingHistoryEntryTriggersRollback(t *testing.T) {
	w := newFakeWorld()
	e := w.Spawn()
	w.Insert(e, kindPos, 5.0)

	resimCalls := 0
	resim := func(w world.World, tick uint32, localInput []byte, remoteInput func(world.EntityID) []byte) {
		resimCalls++
	}
	p := New(Config{MaxPredictionTicks: 32}, exactTolerance, resim, func(uint32) []byte { return nil }, &events.Queue{})
	p.MarkPredicted(e)
	// No RecordTick call at all: history has no entry for tick 5.

	p.Reconcile(w, ConfirmedState{Entity: e, Tick: 5, Values: map[world.ComponentKind]interface{}{kindPos: 9.0}}, 6, func(world.EntityID) []byte { return nil })

	if resimCalls != 1 {
		t.Errorf("expected rollback to resimulate tick 6, got %d calls", resimCalls)
	}
}

func TestAdvanceBlendInterpolatesOverCorrectionTicks(t *testing.T) {
	w := newFakeWorld()
	e := w.Spawn()
	w.Insert(e, kindPos, 5.0)

	resim := func(w world.World, tick uint32, localInput []byte, remoteInput func(world.EntityID) []byte) {
		w.Insert(e, kindPos, 10.0)
	}
	p := New(Config{MaxPredictionTicks: 32, CorrectionTicks: 2}, exactTolerance, resim, func(uint32) []byte { return nil }, &events.Queue{})
	p.MarkPredicted(e)
	p.RecordTick(w, 10, map[world.EntityID][]world.ComponentKind{e: {kindPos}})

	p.Reconcile(w, ConfirmedState{Entity: e, Tick: 10, Values: map[world.ComponentKind]interface{}{kindPos: 9.0}}, 12, func(world.EntityID) []byte { return nil })

	frame1 := p.AdvanceBlend()
	v1 := frame1[e][kindPos].(float64)
	if v1 <= 5.0 || v1 >= 10.0 {
		t.Errorf("expected first blend frame strictly between pre- and post-rollback values, got %v", v1)
	}

	frame2 := p.AdvanceBlend()
	v2 := frame2[e][kindPos].(float64)
	if v2 != 10.0 {
		t.Errorf("expected final blend frame to reach corrected value, got %v", v2)
	}

	if out := p.AdvanceBlend(); len(out) != 0 {
		t.Errorf("expected blend exhausted after CorrectionTicks frames, got %+v", out)
	}
}

func TestPreSpawnMatcherMatchesWithinTolerance(t *testing.T) {
	m := NewPreSpawnMatcher(3)
	m.Register(PreSpawnHint{Entity: 42, ArchetypeHash: 0xABC, SpawnTick: 100})

	if _, ok := m.Match(0xABC, 200); ok {
		t.Error("expected no match outside tolerance window")
	}
	entity, ok := m.Match(0xABC, 102)
	if !ok || entity != 42 {
		t.Fatalf("expected match within tolerance, got entity=%d ok=%v", entity, ok)
	}
	if _, ok := m.Match(0xABC, 102); ok {
		t.Error("expected hint consumed after first match")
	}
}
