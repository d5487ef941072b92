// Package interpolation implements render-time sampling for
// non-predicted replicated entities (spec §4.I): a small per-entity ring
// of (tick, component-values) snapshots, sampled at a render tick offset
// behind the confirmed tick, with a per-component-kind policy (linear,
// quaternion slerp, or nearest).
package interpolation

import (
	"math"

	"github.com/riftloop/netcore/pkg/world"
)

// Policy controls how a component kind is sampled between two straddling
// snapshots.
type Policy int

const (
	// Linear blends a []float64 value component-wise.
	Linear Policy = iota
	// Slerp spherically interpolates a Quaternion value (x,y,z,w).
	Slerp
	// Nearest holds whichever snapshot is closer in tick, for discrete
	// (non-continuous) values.
	Nearest
)

// Quaternion is a unit quaternion (x, y, z, w).
type Quaternion [4]float64

func dot(a, b Quaternion) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
}

// SlerpQuaternion spherically interpolates between two unit quaternions
// at t in [0,1], taking the shortest arc.
func SlerpQuaternion(a, b Quaternion, t float64) Quaternion {
	d := dot(a, b)
	if d < 0 {
		b = Quaternion{-b[0], -b[1], -b[2], -b[3]}
		d = -d
	}
	const epsilon = 1e-6
	if d > 1-epsilon {
		// Nearly parallel: linear blend avoids a divide-by-near-zero sinθ.
		out := Quaternion{
			a[0] + (b[0]-a[0])*t,
			a[1] + (b[1]-a[1])*t,
			a[2] + (b[2]-a[2])*t,
			a[3] + (b[3]-a[3])*t,
		}
		return normalize(out)
	}
	theta0 := math.Acos(d)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	s0 := math.Cos(theta) - d*math.Sin(theta)/sinTheta0
	s1 := math.Sin(theta) / sinTheta0
	return Quaternion{
		a[0]*s0 + b[0]*s1,
		a[1]*s0 + b[1]*s1,
		a[2]*s0 + b[2]*s1,
		a[3]*s0 + b[3]*s1,
	}
}

func normalize(q Quaternion) Quaternion {
	n := math.Sqrt(dot(q, q))
	if n == 0 {
		return q
	}
	return Quaternion{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// snapshot is one (tick, values) entry in an entity's ring.
type snapshot struct {
	tick   uint32
	values map[world.ComponentKind]interface{}
}

// entityRing is the small bounded ring of recent snapshots for one
// interpolated entity.
type entityRing struct {
	entries []snapshot
}

func (r *entityRing) push(tick uint32, values map[world.ComponentKind]interface{}, capacity int) {
	r.entries = append(r.entries, snapshot{tick: tick, values: values})
	if len(r.entries) > capacity {
		r.entries = r.entries[len(r.entries)-capacity:]
	}
}

// straddle finds the two snapshots bracketing target tick ti, or
// reports which single side exists if ti falls outside the ring.
func (r *entityRing) straddle(ti uint32) (before, after *snapshot, haveBefore, haveAfter bool) {
	for i := range r.entries {
		s := &r.entries[i]
		if s.tick <= ti {
			before, haveBefore = s, true
		}
		if s.tick >= ti && !haveAfter {
			after, haveAfter = s, true
		}
	}
	return
}

// Sampler holds every interpolated entity's ring and the per-component
// policy table shared across all of them.
type Sampler struct {
	capacity int
	policies map[world.ComponentKind]Policy
	entities map[world.EntityID]*entityRing
}

// NewSampler builds a Sampler with the given per-entity ring capacity
// (snapshots, not ticks) and component policy table.
func NewSampler(capacity int, policies map[world.ComponentKind]Policy) *Sampler {
	return &Sampler{capacity: capacity, policies: policies, entities: make(map[world.EntityID]*entityRing)}
}

// Kinds returns the component kinds this Sampler has a policy for, so a
// caller feeding RecordSnapshot knows which components to read off the
// world before pushing a snapshot.
func (s *Sampler) Kinds() []world.ComponentKind {
	kinds := make([]world.ComponentKind, 0, len(s.policies))
	for k := range s.policies {
		kinds = append(kinds, k)
	}
	return kinds
}

// MarkInterpolated begins tracking a ring for entity.
func (s *Sampler) MarkInterpolated(entity world.EntityID) {
	s.entities[entity] = &entityRing{}
}

// Unmark stops tracking an entity.
func (s *Sampler) Unmark(entity world.EntityID) {
	delete(s.entities, entity)
}

// RecordSnapshot pushes a confirmed (tick, values) snapshot for entity
// into its ring, typically called whenever a replication Update/Insert
// lands on an interpolated entity.
func (s *Sampler) RecordSnapshot(entity world.EntityID, tick uint32, values map[world.ComponentKind]interface{}) {
	ring, ok := s.entities[entity]
	if !ok {
		return
	}
	ring.push(tick, values, s.capacity)
}

// Sample renders entity's interpolated component values at render tick
// Tc minus the configured interpolation delay. Returns (nil, false) if
// the entity has no ring or its ring is empty (hidden until first
// snapshot, per spec §4.I).
func (s *Sampler) Sample(entity world.EntityID, renderTick uint32, interpolationDelayTicks uint32) (map[world.ComponentKind]interface{}, bool) {
	ring, ok := s.entities[entity]
	if !ok || len(ring.entries) == 0 {
		return nil, false
	}
	ti := renderTick - interpolationDelayTicks

	before, after, haveBefore, haveAfter := ring.straddle(ti)
	switch {
	case haveBefore && haveAfter && before.tick != after.tick:
		return s.blend(before, after, ti), true
	case haveBefore && haveAfter: // same snapshot straddles both sides
		return before.values, true
	case haveBefore:
		return before.values, true // hold last known
	case haveAfter:
		return after.values, true // hold first known
	default:
		return nil, false
	}
}

func (s *Sampler) blend(before, after *snapshot, ti uint32) map[world.ComponentKind]interface{} {
	span := float64(after.tick - before.tick)
	t := float64(ti-before.tick) / span

	out := make(map[world.ComponentKind]interface{}, len(after.values))
	for kind, av := range after.values {
		bv, ok := before.values[kind]
		if !ok {
			out[kind] = av
			continue
		}
		switch s.policies[kind] {
		case Linear:
			out[kind] = lerpFloats(bv, av, t)
		case Slerp:
			bq, bok := bv.(Quaternion)
			aq, aok := av.(Quaternion)
			if bok && aok {
				out[kind] = SlerpQuaternion(bq, aq, t)
			} else {
				out[kind] = av
			}
		default: // Nearest
			if t < 0.5 {
				out[kind] = bv
			} else {
				out[kind] = av
			}
		}
	}
	return out
}

func lerpFloats(before, after interface{}, t float64) interface{} {
	switch a := after.(type) {
	case float64:
		b, ok := before.(float64)
		if !ok {
			return a
		}
		return b + (a-b)*t
	case []float64:
		b, ok := before.([]float64)
		if !ok || len(b) != len(a) {
			return a
		}
		out := make([]float64, len(a))
		for i := range a {
			out[i] = b[i] + (a[i]-b[i])*t
		}
		return out
	default:
		return a
	}
}
