// Package prediction implements per-entity client-side prediction and
// rollback (spec §4.H): a ring buffer of predicted component history per
// entity, confirmed-state comparison against that history, bounded
// rollback and resimulation, and visual correction blending.
package prediction

import (
	"github.com/riftloop/netcore/pkg/events"
	"github.com/riftloop/netcore/pkg/world"
)

// Tolerance decides whether a confirmed component value matches a
// predicted one closely enough to skip a rollback. One Tolerance is
// applied to every predicted component kind and is not told the kind,
// so any per-kind comparison has to be decided from the values
// themselves (this fills in §4.H's unspecified "within tolerance"
// language).
type Tolerance func(predicted, confirmed interface{}) bool

// Config bundles §4.H's tunables.
type Config struct {
	MaxPredictionTicks uint32
	CorrectionTicks    uint32
}

// snapshot is one predicted entity's component values at one tick.
type snapshot struct {
	tick   uint32
	values map[world.ComponentKind]interface{}
}

// history is the ring buffer of predicted snapshots for one entity,
// keyed by tick, capacity-bounded by MaxPredictionTicks.
type history struct {
	entries map[uint32]snapshot
	order   []uint32 // oldest-first tick order, for FIFO eviction
}

func newHistory() *history {
	return &history{entries: make(map[uint32]snapshot)}
}

func (h *history) push(tick uint32, values map[world.ComponentKind]interface{}, capacity uint32) {
	h.entries[tick] = snapshot{tick: tick, values: values}
	h.order = append(h.order, tick)
	for uint32(len(h.order)) > capacity {
		delete(h.entries, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) evictThrough(tick uint32) {
	i := 0
	for i < len(h.order) && h.order[i] <= tick {
		delete(h.entries, h.order[i])
		i++
	}
	h.order = h.order[i:]
}

func (h *history) at(tick uint32) (snapshot, bool) {
	s, ok := h.entries[tick]
	return s, ok
}

// blend is an in-progress visual-only correction: the renderer blends
// from the pre-rollback value toward the corrected value over
// CorrectionTicks frames (spec §4.H "retain the pre-rollback visual
// state ... blend linearly").
type blend struct {
	from, to map[world.ComponentKind]interface{}
	ticksLeft uint32
	total     uint32
}

// entityState is one predicted entity's bookkeeping.
type entityState struct {
	hist  *history
	blend *blend
}

// Resimulator re-runs the host's simulation for one tick, given the
// buffered local input and the best-known remote inputs for that tick.
// The host supplies this; prediction never simulates gameplay itself.
type Resimulator func(w world.World, tick uint32, localInput []byte, remoteInput func(entity world.EntityID) []byte)

// Predictor tracks predicted-entity history for one connection and
// drives rollback/resimulation on confirmed state.
type Predictor struct {
	cfg     Config
	tol     Tolerance
	resim   Resimulator
	events  *events.Queue
	inputAt func(tick uint32) []byte // local input timeline lookup, e.g. inputtimeline.Client.At

	entities map[world.EntityID]*entityState
}

// New constructs a Predictor. tol classifies confirmed-vs-predicted
// matches; resim re-runs one tick of simulation during rollback;
// inputAt looks up the buffered local input for a given tick (see
// pkg/inputtimeline); q receives Desync events on unbounded mismatch.
func New(cfg Config, tol Tolerance, resim Resimulator, inputAt func(tick uint32) []byte, q *events.Queue) *Predictor {
	return &Predictor{
		cfg:      cfg,
		tol:      tol,
		resim:    resim,
		inputAt:  inputAt,
		events:   q,
		entities: make(map[world.EntityID]*entityState),
	}
}

// MarkPredicted begins tracking history for a locally predicted entity.
func (p *Predictor) MarkPredicted(entity world.EntityID) {
	p.entities[entity] = &entityState{hist: newHistory()}
}

// Unmark stops tracking an entity (e.g. on despawn).
func (p *Predictor) Unmark(entity world.EntityID) {
	delete(p.entities, entity)
}

// RecordTick pushes tick T's post-simulation component values for every
// tracked entity into its ring buffer (spec §4.H step 3). kinds lists
// the component kinds this entity predicts.
func (p *Predictor) RecordTick(w world.World, tick uint32, kinds map[world.EntityID][]world.ComponentKind) {
	for entity, st := range p.entities {
		values := make(map[world.ComponentKind]interface{})
		for _, kind := range kinds[entity] {
			if v, ok := w.Get(entity, kind); ok {
				values[kind] = v
			}
		}
		st.hist.push(tick, values, p.cfg.MaxPredictionTicks)
	}
}

// ConfirmedState is one predicted entity's server-confirmed values at a
// confirmed tick C (typically decoded straight off a replication Update
// payload for that entity).
type ConfirmedState struct {
	Entity    world.EntityID
	NetEntity uint64
	Tick      uint32
	Values    map[world.ComponentKind]interface{}
}

// Reconcile compares a confirmed state against the predicted history and
// triggers rollback if needed (spec §4.H). currentClientTick is the
// client's current simulation tick, used to bound resimulation and to
// detect an unbounded mismatch.
func (p *Predictor) Reconcile(w world.World, cs ConfirmedState, currentClientTick uint32, remoteInput func(world.EntityID) []byte) {
	st, ok := p.entities[cs.Entity]
	if !ok {
		return
	}

	snap, found := st.hist.at(cs.Tick)
	if found && p.matches(snap.values, cs.Values) {
		st.hist.evictThrough(cs.Tick)
		return
	}

	age := currentClientTick - cs.Tick
	if age > p.cfg.MaxPredictionTicks {
		// Bounded rollback: snap without blending, report desync.
		p.applyValues(w, cs.Entity, cs.Values)
		st.hist = newHistory()
		st.blend = nil
		if p.events != nil {
			p.events.Push(events.Event{Kind: events.Desync, Entity: cs.NetEntity, Tick: cs.Tick})
		}
		return
	}

	before := p.snapshotValues(w, cs.Entity, cs.Values)
	p.rollback(w, cs, currentClientTick, remoteInput)

	if p.cfg.CorrectionTicks > 0 {
		after := p.snapshotValues(w, cs.Entity, cs.Values)
		st.blend = &blend{from: before, to: after, ticksLeft: p.cfg.CorrectionTicks, total: p.cfg.CorrectionTicks}
		// The blend carries the pre-rollback values for rendering; the
		// simulation state itself stays corrected (resimulation already
		// wrote it).
	}
}

func (p *Predictor) snapshotValues(w world.World, entity world.EntityID, like map[world.ComponentKind]interface{}) map[world.ComponentKind]interface{} {
	out := make(map[world.ComponentKind]interface{}, len(like))
	for kind := range like {
		if v, ok := w.Get(entity, kind); ok {
			out[kind] = v
		}
	}
	return out
}

// rollback sets the entity to its confirmed values at C, then
// resimulates every tick from C+1 through currentClientTick using
// buffered local inputs and the given remote-input lookup, refilling
// the ring buffer as it goes (spec §4.H steps 1-3).
func (p *Predictor) rollback(w world.World, cs ConfirmedState, currentClientTick uint32, remoteInput func(world.EntityID) []byte) {
	p.applyValues(w, cs.Entity, cs.Values)

	st := p.entities[cs.Entity]
	st.hist = newHistory()
	st.hist.push(cs.Tick, cs.Values, p.cfg.MaxPredictionTicks)

	for t := cs.Tick + 1; t <= currentClientTick; t++ {
		var input []byte
		if p.inputAt != nil {
			input = p.inputAt(t)
		}
		if p.resim != nil {
			p.resim(w, t, input, remoteInput)
		}
		values := p.snapshotValues(w, cs.Entity, cs.Values)
		st.hist.push(t, values, p.cfg.MaxPredictionTicks)
	}
}

func (p *Predictor) applyValues(w world.World, entity world.EntityID, values map[world.ComponentKind]interface{}) {
	for kind, v := range values {
		w.Insert(entity, kind, v)
	}
}

func (p *Predictor) matches(predicted, confirmed map[world.ComponentKind]interface{}) bool {
	for kind, cv := range confirmed {
		pv, ok := predicted[kind]
		if !ok {
			return false
		}
		if p.tol != nil && !p.tol(pv, cv) {
			return false
		}
	}
	return true
}

// AdvanceBlend advances every in-progress correction blend by one
// frame, returning the render-only blended values per entity. The
// underlying simulation state (w) is untouched; this is purely what the
// renderer should show this frame (spec §4.H "blend ... render-only").
func (p *Predictor) AdvanceBlend() map[world.EntityID]map[world.ComponentKind]interface{} {
	out := make(map[world.EntityID]map[world.ComponentKind]interface{})
	for entity, st := range p.entities {
		if st.blend == nil {
			continue
		}
		frac := (float64(st.blend.total-st.blend.ticksLeft) + 1) / float64(st.blend.total)
		blended := make(map[world.ComponentKind]interface{}, len(st.blend.to))
		for kind, to := range st.blend.to {
			from := st.blend.from[kind]
			blended[kind] = lerpValue(from, to, frac)
		}
		out[entity] = blended

		st.blend.ticksLeft--
		if st.blend.ticksLeft == 0 {
			st.blend = nil
		}
	}
	return out
}

// lerpValue linearly blends two component values if both are float64 or
// []float64 (the common position/rotation representations); any other
// type is held at `to` once frac reaches 1 and otherwise held at `from`,
// since a generic interface{} value has no blend operation of its own.
func lerpValue(from, to interface{}, frac float64) interface{} {
	switch t := to.(type) {
	case float64:
		f, ok := from.(float64)
		if !ok {
			return t
		}
		return f + (t-f)*frac
	case []float64:
		f, ok := from.([]float64)
		if !ok || len(f) != len(t) {
			return t
		}
		out := make([]float64, len(t))
		for i := range t {
			out[i] = f[i] + (t[i]-f[i])*frac
		}
		return out
	default:
		if frac >= 1 {
			return to
		}
		return from
	}
}

// PreSpawnHint lets a locally spawned (not-yet-confirmed) predicted
// entity be matched against an incoming replicated Spawn by
// (ArchetypeHash, SpawnTick) rather than creating a duplicate entity
// (spec §4.H "pre-spawned entities").
type PreSpawnHint struct {
	Entity        world.EntityID
	ArchetypeHash uint64
	SpawnTick     uint32
}

// PreSpawnMatcher binds incoming replicated spawns to locally
// pre-spawned entities within a tick tolerance window.
type PreSpawnMatcher struct {
	tolerance uint32
	pending   []PreSpawnHint
}

// NewPreSpawnMatcher builds a matcher with the given spawn_tick
// tolerance window (ticks).
func NewPreSpawnMatcher(tolerance uint32) *PreSpawnMatcher {
	return &PreSpawnMatcher{tolerance: tolerance}
}

// Register records a locally pre-spawned entity awaiting server
// confirmation.
func (m *PreSpawnMatcher) Register(hint PreSpawnHint) {
	m.pending = append(m.pending, hint)
}

// Match looks for a pending pre-spawn hint matching the given archetype
// hash and spawn tick within tolerance, consuming it if found.
func (m *PreSpawnMatcher) Match(archetypeHash uint64, spawnTick uint32) (world.EntityID, bool) {
	for i, h := range m.pending {
		if h.ArchetypeHash != archetypeHash {
			continue
		}
		delta := spawnTick - h.SpawnTick
		if delta > 1<<31 { // wrapped negative relative to uint32 arithmetic
			delta = h.SpawnTick - spawnTick
		}
		if delta <= m.tolerance {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return h.Entity, true
		}
	}
	return 0, false
}
