package netcore

import (
	"time"

	"github.com/google/uuid"

	"github.com/riftloop/netcore/pkg/channel"
	"github.com/riftloop/netcore/pkg/events"
	"github.com/riftloop/netcore/pkg/inputtimeline"
	"github.com/riftloop/netcore/pkg/interpolation"
	"github.com/riftloop/netcore/pkg/packetbuilder"
	"github.com/riftloop/netcore/pkg/prediction"
	"github.com/riftloop/netcore/pkg/replication"
	"github.com/riftloop/netcore/pkg/transport"
	"github.com/riftloop/netcore/pkg/wire"
	"github.com/riftloop/netcore/pkg/world"
)

// Role says which side of a connection the local Core plays toward a
// Peer, since tick steering (pkg/ticksync) and prediction only run on
// the side receiving authoritative corrections (spec §4.E/§4.H are
// phrased from the client's perspective).
type Role int

const (
	// ServerRole: the local side is authoritative toward this peer (a
	// connected client); no local tick steering or rollback runs for it.
	ServerRole Role = iota
	// ClientRole: the local side is a client of this peer (the server);
	// tick steering and (if entities are marked predicted) rollback run
	// against the confirmed state it sends.
	ClientRole
)

// Core is one local instance of the protocol: a registered channel/
// component/resource set, a world it reads and writes through
// (pkg/world.World), and zero or more connected peers. A client process
// typically has one Core with one ClientRole peer (the server); a
// server process has one Core with one ServerRole peer per connected
// client.
type Core struct {
	cfg Config
	w   world.World

	registry    *replication.Registry
	channelIDs  []uint32
	channelCfgs map[uint32]channel.Config
	groups      map[uint64]replication.GroupChannels
	resources   map[world.ComponentKind]resourceRegistration

	serverTick uint32

	peers map[uuid.UUID]*Peer
	queue events.Queue

	// predictor/interp are attached once at the Core level rather than
	// per remote peer: a client process has exactly one authoritative
	// connection to reconcile against, so there is never more than one
	// set of predicted/interpolated entities to track per Core.
	predictor *prediction.Predictor
	interp    *interpolation.Sampler
}

type resourceRegistration struct {
	direction channel.Direction
	channelID uint32
}

// NewCore constructs a Core over the host's world.World. Call
// RegisterChannel/RegisterComponent/RegisterGroup/RegisterResource
// before the first Connect; protocol_id is fixed the first time a peer
// connects.
func NewCore(cfg Config, w world.World) *Core {
	return &Core{
		cfg:         cfg,
		w:           w,
		registry:    replication.NewRegistry(),
		channelCfgs: make(map[uint32]channel.Config),
		groups:      make(map[uint64]replication.GroupChannels),
		resources:   make(map[world.ComponentKind]resourceRegistration),
		peers:       make(map[uuid.UUID]*Peer),
	}
}

// RegisterChannel recognizes a channel id with the given configuration
// (spec §6 register_channel). Order of calls seeds protocol_id.
func (c *Core) RegisterChannel(id uint32, cfg channel.Config) {
	c.channelCfgs[id] = cfg
	c.channelIDs = append(c.channelIDs, id)
}

// RegisterComponent recognizes a replicated component kind (spec §6
// register_component). Order of calls seeds protocol_id.
func (c *Core) RegisterComponent(reg world.ComponentRegistration) {
	c.registry.Register(reg)
}

// RegisterGroup associates a ReplicationGroup id with the two channels
// its action-bearing and update-only messages travel on (spec §4.F.3).
// Both channels must already be registered via RegisterChannel.
func (c *Core) RegisterGroup(groupID uint64, channels replication.GroupChannels) {
	c.groups[groupID] = channels
}

// RegisterResource recognizes a host resource kind replicated as a
// synthetic entity (spec §6 register_resource).
func (c *Core) RegisterResource(kind world.ComponentKind, direction channel.Direction, channelID uint32) {
	c.resources[kind] = resourceRegistration{direction: direction, channelID: channelID}
}

// ProtocolID derives the 64-bit protocol identity from every registered
// channel and component, in registration order (spec §6). Call after
// all Register* calls and before exchanging it with a peer during
// connection setup (handshake itself is out of scope, per spec §1).
func (c *Core) ProtocolID() uint64 {
	return replication.ProtocolID(c.channelIDs, c.registry)
}

// PollEvents drains and returns every event raised since the last call
// (spec §6 poll_events).
func (c *Core) PollEvents() []events.Event {
	return c.queue.Drain()
}

// Peers returns the ids of every currently connected peer.
func (c *Core) Peers() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// Peer looks up a connected peer by id.
func (c *Core) Peer(id uuid.UUID) (*Peer, bool) {
	p, ok := c.peers[id]
	return p, ok
}

// Connect admits a new peer over an already-established transport.Endpoint
// (handshake/protocol_id exchange happens before this call, per spec §1's
// Non-goal on connection setup). startTick seeds a ClientRole peer's tick
// steering; it is ignored for ServerRole peers, which always use the
// Core's own serverTick.
func (c *Core) Connect(now time.Time, id uuid.UUID, endpoint transport.Endpoint, role Role, startTick uint32) *Peer {
	p := newPeer(id, role, endpoint, c.cfg, c.registry, startTick, now)
	for chID, chCfg := range c.channelCfgs {
		p.builder.Register(chID, chCfg)
	}
	for gid, gc := range c.groups {
		p.sender.RegisterGroup(gid, gc)
	}
	c.peers[id] = p
	c.queue.Push(events.Event{Kind: events.Connected, Peer: id})
	return p
}

// MarkReplicated starts replicating entity toward peer as part of
// groupID (spec §6 mark_replicated).
func (c *Core) MarkReplicated(peer uuid.UUID, entity world.EntityID, groupID uint64, visibility replication.VisibilityMode) {
	if p, ok := c.peers[peer]; ok {
		p.sender.MarkReplicated(entity, groupID, visibility)
	}
}

// UnmarkReplicated stops replicating entity toward peer.
func (c *Core) UnmarkReplicated(peer uuid.UUID, entity world.EntityID) {
	if p, ok := c.peers[peer]; ok {
		p.sender.Unmark(entity)
	}
}

// SetVisible flips a Manual-visibility entity's visibility bit toward a
// peer (spec §4.F.4).
func (c *Core) SetVisible(peer uuid.UUID, entity world.EntityID, visible bool) {
	if p, ok := c.peers[peer]; ok {
		p.sender.SetVisible(entity, visible)
	}
}

// MarkResourceReplicated replicates a host resource as a synthetic
// entity toward a peer (spec §6 register_resource / §4.F.6).
func (c *Core) MarkResourceReplicated(peer uuid.UUID, syntheticID world.EntityID, kind world.ComponentKind, groupID uint64) {
	if p, ok := c.peers[peer]; ok {
		p.sender.MarkResourceReplicated(syntheticID, kind, groupID)
	}
}

// EnablePrediction turns on client-side rollback for this Core (spec
// §4.H). tol judges whether a confirmed snapshot matches a predicted
// one; resim replays one tick of local simulation during rollback;
// inputAt supplies the local input recorded for a given tick.
func (c *Core) EnablePrediction(cfg prediction.Config, tol prediction.Tolerance, resim prediction.Resimulator, inputAt func(tick uint32) []byte) {
	c.predictor = prediction.New(cfg, tol, resim, inputAt, &c.queue)
}

// MarkPredicted opts an entity into rollback history recording. A no-op
// until EnablePrediction has been called.
func (c *Core) MarkPredicted(entity world.EntityID) {
	if c.predictor != nil {
		c.predictor.MarkPredicted(entity)
	}
}

// UnmarkPredicted stops recording rollback history for an entity.
func (c *Core) UnmarkPredicted(entity world.EntityID) {
	if c.predictor != nil {
		c.predictor.Unmark(entity)
	}
}

// RecordTick snapshots every predicted entity's current component values
// after this tick's local simulation step, per kinds (spec §4.H). A
// no-op until EnablePrediction has been called.
func (c *Core) RecordTick(tick uint32, kinds map[world.EntityID][]world.ComponentKind) {
	if c.predictor != nil {
		c.predictor.RecordTick(c.w, tick, kinds)
	}
}

// Reconcile applies one authoritative confirmed snapshot against
// prediction history, rolling back and resimulating on mismatch (spec
// §4.H). A no-op until EnablePrediction has been called.
func (c *Core) Reconcile(cs prediction.ConfirmedState, currentClientTick uint32, remoteInput func(world.EntityID) []byte) {
	if c.predictor != nil {
		c.predictor.Reconcile(c.w, cs, currentClientTick, remoteInput)
	}
}

// AdvanceBlend steps every entity's render-only correction blend one
// tick and returns the blended values to draw this frame (spec §4.H). A
// no-op (nil) until EnablePrediction has been called.
func (c *Core) AdvanceBlend() map[world.EntityID]map[world.ComponentKind]interface{} {
	if c.predictor == nil {
		return nil
	}
	return c.predictor.AdvanceBlend()
}

// EnableInterpolation turns on render-delayed interpolation for this
// Core (spec §4.I), with a per-component sampling policy.
func (c *Core) EnableInterpolation(policies map[world.ComponentKind]interpolation.Policy) {
	c.interp = interpolation.NewSampler(c.cfg.InterpolationRingCapacity, policies)
}

// MarkInterpolated opts an entity into interpolation sampling. A no-op
// until EnableInterpolation has been called.
func (c *Core) MarkInterpolated(entity world.EntityID) {
	if c.interp != nil {
		c.interp.MarkInterpolated(entity)
	}
}

// UnmarkInterpolated stops interpolation sampling for an entity.
func (c *Core) UnmarkInterpolated(entity world.EntityID) {
	if c.interp != nil {
		c.interp.Unmark(entity)
	}
}

// SampleInterpolated samples one entity's interpolated render-time
// values (spec §4.I). A no-op (nil, false) until EnableInterpolation has
// been called.
func (c *Core) SampleInterpolated(entity world.EntityID, renderTick, interpolationDelayTicks uint32) (map[world.ComponentKind]interface{}, bool) {
	if c.interp == nil {
		return nil, false
	}
	return c.interp.Sample(entity, renderTick, interpolationDelayTicks)
}

// PushInput queues tick-tagged local input toward a ClientRole peer
// (spec §6 push_input). A no-op for peers with no inputClient (ServerRole
// peers and peers that don't exist).
func (c *Core) PushInput(peer uuid.UUID, tick uint32, input []byte) {
	p, ok := c.peers[peer]
	if !ok || p.inputClient == nil {
		return
	}
	p.inputClient.Push(tick, input)
}

// PeekInput returns the input recorded for a tick, from a ServerRole
// peer's received buffer or a ClientRole peer's own outgoing history
// (spec §6 peek_input).
func (c *Core) PeekInput(peer uuid.UUID, tick uint32) []byte {
	p, ok := c.peers[peer]
	if !ok {
		return nil
	}
	if p.inputServer != nil {
		return p.inputServer.Consume(tick)
	}
	if p.inputClient != nil {
		return p.inputClient.At(tick)
	}
	return nil
}

// Disconnect releases a peer's state and emits Disconnected (spec §5
// "all per-peer state is released").
func (c *Core) Disconnect(id uuid.UUID, reason events.DisconnectReason) {
	if _, ok := c.peers[id]; !ok {
		return
	}
	delete(c.peers, id)
	c.queue.Push(events.Event{Kind: events.Disconnected, Peer: id, Reason: reason})
}

// checkTimeouts disconnects any peer silent for longer than
// ConnectionTimeout (spec §5).
func (c *Core) checkTimeouts(now time.Time) {
	for id, p := range c.peers {
		if now.Sub(p.lastRecv) > c.cfg.ConnectionTimeout {
			delete(c.peers, id)
			c.queue.Push(events.Event{Kind: events.Disconnected, Peer: id, Reason: events.ReasonTimeout})
		}
	}
}

// Tick advances the Core by exactly one fixed step: receive and apply
// every peer's pending datagrams, run the host's simulation closure once
// over the shared World, then build and send each peer's outgoing
// packets (spec §5's strict receive -> apply -> simulate -> send
// ordering). It returns every event raised during the tick.
func (c *Core) Tick(now time.Time, simulate func(world.World)) []events.Event {
	c.serverTick++

	for id, p := range c.peers {
		c.receive(now, id, p)
	}
	c.checkTimeouts(now)

	if simulate != nil {
		simulate(c.w)
	}

	for _, p := range c.peers {
		c.send(now, p)
	}

	return c.queue.Drain()
}

// receive drains every pending datagram from one peer's endpoint,
// feeding completed deliveries to replication/input handling in arrival
// order (spec §5 "receive").
func (c *Core) receive(now time.Time, id uuid.UUID, p *Peer) {
	for {
		datagram, err := p.endpoint.Recv()
		if err != nil || datagram == nil {
			return
		}
		deliveries, remoteTick, echoedSelfTick, err := p.builder.Ingest(now, datagram)
		if err != nil {
			// Malformed packet: dropped at the packet level, per spec §7;
			// the connection itself survives.
			c.cfg.Log.Warnf("netcore: dropping malformed packet from %s: %v", id, err)
			continue
		}
		p.lastRecv = now
		p.remoteTick = remoteTick

		if p.tickSync != nil {
			if sentAt, ok := p.sentAt[echoedSelfTick]; ok {
				p.tickSync.OnServerPacket(now, sentAt, remoteTick)
				delete(p.sentAt, echoedSelfTick)
				c.cfg.Metrics.ObserveRTT(id.String(), p.tickSync.RTT().Seconds())
				c.cfg.Metrics.ObserveJitter(id.String(), p.tickSync.Jitter().Seconds())
			}
		}

		for _, d := range deliveries {
			if err := c.applyDelivery(id, p, d, remoteTick); err != nil {
				c.queue.Push(events.Event{Kind: events.Disconnected, Peer: id, Reason: events.ReasonReplicationApplyFailure})
				delete(c.peers, id)
				return
			}
		}
	}
}

// applyDelivery routes one channel delivery to either replication apply
// or input ingestion, by channel id (spec §4.G / §4.J).
func (c *Core) applyDelivery(id uuid.UUID, p *Peer, d packetbuilder.Delivery, remoteTick uint32) error {
	if d.ChannelID == c.cfg.InputChannel {
		if p.inputServer == nil {
			return nil
		}
		batch, err := wire.DecodeInputBatch(d.Payload)
		if err != nil {
			return nil // malformed input batch: packet-level drop, not a fault
		}
		entries := make([]inputtimeline.Entry, len(batch.Entries))
		for i, e := range batch.Entries {
			entries[i] = inputtimeline.Entry{Tick: e.Tick, Bytes: e.Bytes}
		}
		p.inputServer.Ingest(id.String(), entries)
		return nil
	}

	payload, err := wire.DecodeReplicationPayload(d.Payload)
	if err != nil {
		return nil // malformed replication payload: packet-level drop
	}
	if err := p.receiver.Apply(c.w, payload); err != nil {
		return err
	}
	c.recordInterpolationSnapshots(p, remoteTick, payload)
	return nil
}

// recordInterpolationSnapshots feeds every entity touched by a just-applied
// replication payload into the interpolation Sampler (spec §4.I), reading
// its post-apply component values back off the World so Sample() has
// something to straddle. A no-op until EnableInterpolation has been called;
// RecordSnapshot itself is a no-op for entities never MarkInterpolated.
func (c *Core) recordInterpolationSnapshots(p *Peer, remoteTick uint32, payload wire.ReplicationPayload) {
	if c.interp == nil {
		return
	}
	kinds := c.interp.Kinds()
	if len(kinds) == 0 {
		return
	}

	touched := make(map[uint64]struct{})
	for _, u := range payload.Updates {
		touched[u.NetEntityID] = struct{}{}
	}
	for _, a := range payload.Actions {
		if a.Tag == wire.ActionInsert {
			touched[a.NetEntityID] = struct{}{}
		}
	}

	for netID := range touched {
		local, ok := p.receiver.LocalEntity(netID)
		if !ok {
			continue // despawned again before we got to it
		}
		values := make(map[world.ComponentKind]interface{}, len(kinds))
		for _, kind := range kinds {
			if v, ok := c.w.Get(local, kind); ok {
				values[kind] = v
			}
		}
		if len(values) > 0 {
			c.interp.RecordSnapshot(local, remoteTick, values)
		}
	}
}

// send steps a ClientRole peer's tick steering and flushes its local
// input, bundles the replication sender's due batches, and builds and
// transmits as many packets as this send opportunity allows (spec §5
// "send").
func (c *Core) send(now time.Time, p *Peer) {
	selfTick := c.serverTick

	if p.tickSync != nil {
		p.tickSync.Advance()
		selfTick = p.tickSync.Tick()
		p.pruneSentAt(selfTick)
		p.sentAt[selfTick] = now

		if p.inputClient != nil {
			batch := p.inputClient.Batch()
			entries := make([]wire.InputEntry, len(batch))
			for i, e := range batch {
				entries[i] = wire.InputEntry{Tick: e.Tick, Bytes: e.Bytes}
			}
			_ = p.builder.Send(c.cfg.InputChannel, wire.EncodeInputBatch(wire.InputBatch{Entries: entries}))
		}
	}

	for _, batch := range p.sender.Tick(c.w) {
		_ = p.builder.Send(batch.ChannelID, batch.Payload)
	}

	packets := p.builder.Build(now, selfTick, p.remoteTick)
	if len(packets) > 0 {
		c.cfg.Metrics.IncPacketsSent(p.ID.String(), len(packets))
	}
	for _, datagram := range packets {
		if _, err := p.endpoint.Send(datagram); err != nil {
			c.cfg.Metrics.IncPacketsLost(p.ID.String(), 1)
		}
	}
}
