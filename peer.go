package netcore

import (
	"time"

	"github.com/google/uuid"

	"github.com/riftloop/netcore/pkg/inputtimeline"
	"github.com/riftloop/netcore/pkg/packetbuilder"
	"github.com/riftloop/netcore/pkg/replication"
	"github.com/riftloop/netcore/pkg/ticksync"
	"github.com/riftloop/netcore/pkg/transport"
)

// sentAtWindow bounds how many of a client peer's outbound ticks are
// remembered waiting for their echo, so a run of lost packets can't grow
// the map forever.
const sentAtWindow = 256

// Peer is one connected remote endpoint: from a client Core, its single
// server; from a server Core, one of its connected clients (spec §3's
// per-peer connection state).
type Peer struct {
	ID       uuid.UUID
	Role     Role
	endpoint transport.Endpoint

	builder  *packetbuilder.Builder
	sender   *replication.Sender
	receiver *replication.Receiver

	// tickSync is non-nil only for ClientRole peers: tick steering (spec
	// §4.E) is meaningful only for the side reconciling against an
	// authority's stamped server_tick.
	tickSync *ticksync.Estimator
	sentAt   map[uint32]time.Time

	// inputClient batches this side's own input toward a ClientRole peer
	// (we are the client, sending to our server). inputServer buffers
	// input arriving from a ServerRole peer (we are the server, the peer
	// is a client). Exactly one of the two is non-nil.
	inputClient *inputtimeline.Client
	inputServer *inputtimeline.Server

	remoteTick uint32
	lastRecv   time.Time
}

func newPeer(id uuid.UUID, role Role, endpoint transport.Endpoint, cfg Config, registry *replication.Registry, startTick uint32, now time.Time) *Peer {
	p := &Peer{
		ID:       id,
		Role:     role,
		endpoint: endpoint,
		builder:  packetbuilder.New(cfg.MTU, cfg.MaxPacketsPerSend, cfg.BandwidthBytesPerSec),
		sender:   replication.NewSender(registry),
		receiver: replication.NewReceiver(registry),
		lastRecv: now,
	}
	p.builder.Compress = cfg.Compress

	switch role {
	case ClientRole:
		tsCfg := ticksync.DefaultConfig(cfg.TickDuration)
		if cfg.TickSync != nil {
			tsCfg.InputDelayTicks = cfg.TickSync.InputDelayTicks
			tsCfg.JitterMarginTicks = cfg.TickSync.JitterMarginTicks
			tsCfg.HardResyncThreshold = cfg.TickSync.HardResyncThreshold
		}
		p.tickSync = ticksync.NewEstimator(tsCfg, startTick)
		p.inputClient = inputtimeline.NewClient(cfg.InputRedundancy)
		p.sentAt = make(map[uint32]time.Time)
	case ServerRole:
		p.inputServer = inputtimeline.NewServer(cfg.Log)
	}
	return p
}

// pruneSentAt drops remembered send timestamps old enough that their
// echo is never coming back, bounding sentAt's size across packet loss.
func (p *Peer) pruneSentAt(selfTick uint32) {
	for t := range p.sentAt {
		if selfTick > t+sentAtWindow {
			delete(p.sentAt, t)
		}
	}
}
