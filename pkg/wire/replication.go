package wire

import (
	"github.com/pkg/errors"

	"github.com/riftloop/netcore/pkg/bitio"
)

// ActionTag identifies the kind of EntityAction on the wire (spec §6).
type ActionTag byte

const (
	ActionSpawn   ActionTag = 1
	ActionDespawn ActionTag = 2
	ActionInsert  ActionTag = 3
	ActionRemove  ActionTag = 4
)

// Action is one EntityAction: tag | net_entity_id | [component_kind] |
// [len|bytes]. Spawn/Despawn carry only net_entity_id; Insert carries
// component_kind+bytes; Remove carries component_kind only.
type Action struct {
	Tag            ActionTag
	NetEntityID    uint64
	ComponentKind  uint64
	ComponentBytes []byte
}

func EncodeAction(w *bitio.Writer, a Action) {
	w.WriteByte(byte(a.Tag))
	w.WriteVarint(a.NetEntityID)
	switch a.Tag {
	case ActionInsert:
		w.WriteVarint(a.ComponentKind)
		w.WriteBlob(a.ComponentBytes)
	case ActionRemove:
		w.WriteVarint(a.ComponentKind)
	}
}

func DecodeAction(r *bitio.Reader) (Action, error) {
	var a Action
	tag, err := r.ReadByte()
	if err != nil {
		return a, errors.Wrap(ErrMalformed, "action_tag")
	}
	a.Tag = ActionTag(tag)
	eid, err := r.ReadVarint()
	if err != nil {
		return a, errors.Wrap(ErrMalformed, "action_entity_id")
	}
	a.NetEntityID = eid
	switch a.Tag {
	case ActionSpawn, ActionDespawn:
		// no further fields
	case ActionInsert:
		kind, err := r.ReadVarint()
		if err != nil {
			return a, errors.Wrap(ErrMalformed, "action_component_kind")
		}
		a.ComponentKind = kind
		payload, err := r.ReadBlob()
		if err != nil {
			return a, errors.Wrap(ErrMalformed, "action_component_bytes")
		}
		a.ComponentBytes = payload
	case ActionRemove:
		kind, err := r.ReadVarint()
		if err != nil {
			return a, errors.Wrap(ErrMalformed, "action_component_kind")
		}
		a.ComponentKind = kind
	default:
		return a, errors.Wrapf(ErrMalformed, "unknown action tag %d", tag)
	}
	return a, nil
}

// Update is a pure value update: net_entity_id | component_kind | len |
// bytes. It never changes the entity's archetype.
type Update struct {
	NetEntityID    uint64
	ComponentKind  uint64
	ComponentBytes []byte
}

func EncodeUpdate(w *bitio.Writer, u Update) {
	w.WriteVarint(u.NetEntityID)
	w.WriteVarint(u.ComponentKind)
	w.WriteBlob(u.ComponentBytes)
}

func DecodeUpdate(r *bitio.Reader) (Update, error) {
	var u Update
	eid, err := r.ReadVarint()
	if err != nil {
		return u, errors.Wrap(ErrMalformed, "update_entity_id")
	}
	u.NetEntityID = eid
	kind, err := r.ReadVarint()
	if err != nil {
		return u, errors.Wrap(ErrMalformed, "update_component_kind")
	}
	u.ComponentKind = kind
	payload, err := r.ReadBlob()
	if err != nil {
		return u, errors.Wrap(ErrMalformed, "update_component_bytes")
	}
	u.ComponentBytes = payload
	return u, nil
}

// ReplicationPayload is the per-ReplicationGroup payload carried inside a
// channel message: group_id | action_stamp | action_count | {action}* |
// update_count | {update}*. ActionStamp is a per-group counter kept by
// the sender — action-bearing messages carry a newly incremented stamp,
// update-only messages echo the group's most
// recently sent action stamp so the receiver can gate them per §4.G
// ("applied iff latest_applied_action_id >= u").
type ReplicationPayload struct {
	GroupID     uint64
	ActionStamp uint64
	Actions     []Action
	Updates     []Update
}

func EncodeReplicationPayload(p ReplicationPayload) []byte {
	w := bitio.NewWriter(64)
	w.WriteVarint(p.GroupID)
	w.WriteVarint(p.ActionStamp)
	w.WriteVarint(uint64(len(p.Actions)))
	for _, a := range p.Actions {
		EncodeAction(w, a)
	}
	w.WriteVarint(uint64(len(p.Updates)))
	for _, u := range p.Updates {
		EncodeUpdate(w, u)
	}
	return w.Bytes()
}

func DecodeReplicationPayload(data []byte) (ReplicationPayload, error) {
	var p ReplicationPayload
	r := bitio.NewReader(data)
	gid, err := r.ReadVarint()
	if err != nil {
		return p, errors.Wrap(ErrMalformed, "group_id")
	}
	p.GroupID = gid
	stamp, err := r.ReadVarint()
	if err != nil {
		return p, errors.Wrap(ErrMalformed, "action_stamp")
	}
	p.ActionStamp = stamp
	nActions, err := r.ReadVarint()
	if err != nil {
		return p, errors.Wrap(ErrMalformed, "action_count")
	}
	p.Actions = make([]Action, 0, nActions)
	for i := uint64(0); i < nActions; i++ {
		a, err := DecodeAction(r)
		if err != nil {
			return p, err
		}
		p.Actions = append(p.Actions, a)
	}
	nUpdates, err := r.ReadVarint()
	if err != nil {
		return p, errors.Wrap(ErrMalformed, "update_count")
	}
	p.Updates = make([]Update, 0, nUpdates)
	for i := uint64(0); i < nUpdates; i++ {
		u, err := DecodeUpdate(r)
		if err != nil {
			return p, err
		}
		p.Updates = append(p.Updates, u)
	}
	return p, nil
}
