package replication

import (
	"bytes"

	"github.com/riftloop/netcore/pkg/wire"
	"github.com/riftloop/netcore/pkg/world"
)

// OutgoingBatch is one wire-encoded ReplicationPayload ready to be handed
// to the packet builder's Send(channelID, payload) for the named
// channel.
type OutgoingBatch struct {
	ChannelID uint32
	Payload   []byte
}

// entityState is the sender's bookkeeping for one entity marked
// replicated to this peer.
type entityState struct {
	local      world.EntityID
	groupID    uint64
	visibility VisibilityMode
	visible    bool
	spawned    bool
	netID      uint64
	lastSent   map[world.ComponentKind][]byte
	present    map[world.ComponentKind]bool
}

// groupState accumulates one ReplicationGroup's pending wire actions and
// updates across a tick, per the consistency rule (spec §4.F.2).
type groupState struct {
	channels     GroupChannels
	lastStamp    uint64
	pending      []wire.Action
	pendingUpd   []wire.Update
}

// Sender is one connected peer's replication-sender state (spec §4.F).
// Each peer gets its own Sender, with its own NetEntityId allocator and
// forward/reverse map, per spec §4.F's literal "for each connected peer,
// the sender maintains... NetEntityId allocator and forward/reverse map."
type Sender struct {
	registry *Registry

	nextNetID uint64
	localToNet map[world.EntityID]uint64
	netToLocal map[uint64]world.EntityID

	entities map[world.EntityID]*entityState
	order    []world.EntityID

	groups map[uint64]*groupState
}

// NewSender constructs a per-peer Sender over a shared, already-finalized
// component Registry.
func NewSender(registry *Registry) *Sender {
	return &Sender{
		registry:   registry,
		nextNetID:  1,
		localToNet: make(map[world.EntityID]uint64),
		netToLocal: make(map[uint64]world.EntityID),
		entities:   make(map[world.EntityID]*entityState),
		groups:     make(map[uint64]*groupState),
	}
}

// RegisterGroup associates a ReplicationGroup with the two channels its
// action-bearing and update-only messages travel on (spec §4.F.3).
func (s *Sender) RegisterGroup(groupID uint64, channels GroupChannels) {
	s.groups[groupID] = &groupState{channels: channels}
}

// MarkReplicated starts replicating entity to this peer as part of
// groupID. AlwaysVisible entities become visible on the next Tick;
// Manual entities stay invisible until SetVisible.
func (s *Sender) MarkReplicated(entity world.EntityID, groupID uint64, visibility VisibilityMode) {
	s.entities[entity] = &entityState{
		local:      entity,
		groupID:    groupID,
		visibility: visibility,
		visible:    visibility == AlwaysVisible,
		lastSent:   make(map[world.ComponentKind][]byte),
		present:    make(map[world.ComponentKind]bool),
	}
	s.order = append(s.order, entity)
}

// Unmark stops replicating entity to this peer. It emits no Despawn, so
// an already spawned entity stays on the peer. For a Manual entity,
// SetVisible(entity, false) followed by Tick before Unmark sends the
// Despawn; SetVisible has no effect on AlwaysVisible entities.
func (s *Sender) Unmark(entity world.EntityID) {
	delete(s.entities, entity)
	for i, e := range s.order {
		if e == entity {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SetVisible flips a Manual-visibility entity's visibility bit for this
// peer (spec §4.F.4). A no-op on AlwaysVisible entities.
func (s *Sender) SetVisible(entity world.EntityID, visible bool) {
	st, ok := s.entities[entity]
	if !ok || st.visibility != Manual {
		return
	}
	st.visible = visible
}

// MarkResourceReplicated replicates a host resource as a synthetic
// AlwaysVisible entity (spec §4.F.6). kind is not used: as for any
// replicated entity, every registered component the World holds on
// syntheticID is replicated. The caller supplies a syntheticID reserved for this purpose (outside the
// range of real world.EntityID values the host's World hands out).
func (s *Sender) MarkResourceReplicated(syntheticID world.EntityID, kind world.ComponentKind, groupID uint64) {
	s.MarkReplicated(syntheticID, groupID, AlwaysVisible)
}

// Tick scans every registered entity, detects changes against the last
// sent snapshot, and returns the batches ready to hand to the packet
// builder this tick (spec §4.F.1-§4.F.5).
func (s *Sender) Tick(w world.World) []OutgoingBatch {
	touchedGroups := make(map[uint64]bool)

	for _, id := range s.order {
		st := s.entities[id]
		switch {
		case st.visible && !st.spawned:
			s.spawn(st, w)
			touchedGroups[st.groupID] = true
		case !st.visible && st.spawned:
			s.despawn(st)
			touchedGroups[st.groupID] = true
		case st.visible && st.spawned:
			if s.diff(st, w) {
				touchedGroups[st.groupID] = true
			}
		}
	}

	var batches []OutgoingBatch
	for gid := range touchedGroups {
		g := s.groups[gid]
		if g == nil || (len(g.pending) == 0 && len(g.pendingUpd) == 0) {
			continue
		}
		if len(g.pending) > 0 {
			g.lastStamp++
			payload := wire.ReplicationPayload{
				GroupID:     gid,
				ActionStamp: g.lastStamp,
				Actions:     g.pending,
				Updates:     g.pendingUpd,
			}
			batches = append(batches, OutgoingBatch{ChannelID: g.channels.ActionChannel, Payload: wire.EncodeReplicationPayload(payload)})
		} else {
			payload := wire.ReplicationPayload{
				GroupID:     gid,
				ActionStamp: g.lastStamp,
				Updates:     g.pendingUpd,
			}
			batches = append(batches, OutgoingBatch{ChannelID: g.channels.UpdateChannel, Payload: wire.EncodeReplicationPayload(payload)})
		}
		g.pending = nil
		g.pendingUpd = nil
	}
	return batches
}

func (s *Sender) spawn(st *entityState, w world.World) {
	st.netID = s.allocNetID(st.local)
	g := s.groups[st.groupID]
	g.pending = append(g.pending, wire.Action{Tag: wire.ActionSpawn, NetEntityID: st.netID})

	for _, kind := range w.ComponentsOf(st.local) {
		reg, ok := s.registry.lookup(kind)
		if !ok {
			continue
		}
		value, _ := w.Get(st.local, kind)
		encoded, err := reg.Serde.Encode(value)
		if err != nil {
			continue
		}
		g.pending = append(g.pending, wire.Action{Tag: wire.ActionInsert, NetEntityID: st.netID, ComponentKind: uint64(kind), ComponentBytes: encoded})
		st.lastSent[kind] = encoded
		st.present[kind] = true
	}
	st.spawned = true
}

func (s *Sender) despawn(st *entityState) {
	g := s.groups[st.groupID]
	g.pending = append(g.pending, wire.Action{Tag: wire.ActionDespawn, NetEntityID: st.netID})
	delete(s.netToLocal, st.netID)
	delete(s.localToNet, st.local)
	st.spawned = false
	st.lastSent = make(map[world.ComponentKind][]byte)
	st.present = make(map[world.ComponentKind]bool)
}

// diff scans a spawned, visible entity's current components against the
// last-sent snapshot, appending Insert/Remove/Update actions as needed
// and returning whether anything changed this tick.
func (s *Sender) diff(st *entityState, w world.World) bool {
	g := s.groups[st.groupID]
	changed := false
	currentKinds := make(map[world.ComponentKind]bool)

	for _, kind := range w.ComponentsOf(st.local) {
		currentKinds[kind] = true
		reg, ok := s.registry.lookup(kind)
		if !ok {
			continue
		}
		value, _ := w.Get(st.local, kind)

		if !st.present[kind] {
			encoded, err := reg.Serde.Encode(value)
			if err != nil {
				continue
			}
			g.pending = append(g.pending, wire.Action{Tag: wire.ActionInsert, NetEntityID: st.netID, ComponentKind: uint64(kind), ComponentBytes: encoded})
			st.lastSent[kind] = encoded
			st.present[kind] = true
			changed = true
			continue
		}

		if reg.Policy == world.SyncOnceOnInsert {
			continue // replicate-once components never emit updates
		}

		if reg.Policy == world.SyncDelta {
			// DiffFunc needs the old value as a host-side value. The
			// sender keeps only the bytes it last encoded via Serde, so
			// it decodes those back here to get the previous value for
			// the diff.
			prevVal, decErr := reg.Serde.Decode(st.lastSent[kind])
			if decErr != nil {
				continue
			}
			delta, err := reg.Diff(prevVal, value)
			if err != nil || delta == nil {
				continue
			}
			g.pendingUpd = append(g.pendingUpd, wire.Update{NetEntityID: st.netID, ComponentKind: uint64(kind), ComponentBytes: delta})
			encoded, err := reg.Serde.Encode(value)
			if err == nil {
				st.lastSent[kind] = encoded
			}
			changed = true
			continue
		}

		// SyncFull
		encoded, err := reg.Serde.Encode(value)
		if err != nil {
			continue
		}
		if !bytes.Equal(encoded, st.lastSent[kind]) {
			g.pendingUpd = append(g.pendingUpd, wire.Update{NetEntityID: st.netID, ComponentKind: uint64(kind), ComponentBytes: encoded})
			st.lastSent[kind] = encoded
			changed = true
		}
	}

	for kind := range st.present {
		if currentKinds[kind] {
			continue
		}
		g.pending = append(g.pending, wire.Action{Tag: wire.ActionRemove, NetEntityID: st.netID, ComponentKind: uint64(kind)})
		delete(st.present, kind)
		delete(st.lastSent, kind)
		changed = true
	}

	return changed
}

func (s *Sender) allocNetID(local world.EntityID) uint64 {
	id := s.nextNetID
	s.nextNetID++
	s.localToNet[local] = id
	s.netToLocal[id] = local
	return id
}
