// Package netcore wires the protocol subsystems (pkg/bitio, pkg/seq,
// pkg/channel, pkg/packetbuilder, pkg/wire, pkg/ticksync,
// pkg/replication, pkg/prediction, pkg/interpolation,
// pkg/inputtimeline) into the single Host <-> Core API spec §6
// describes: register_channel/register_component/register_resource,
// mark_replicated/mark_predicted/mark_interpolated, push_input/
// peek_input, tick(), poll_events().
package netcore

import (
	"time"

	"github.com/riftloop/netcore/pkg/metrics"
	"github.com/riftloop/netcore/pkg/netlog"
	"github.com/riftloop/netcore/pkg/prediction"
)

// Config bundles every tunable the root package's subsystems need.
// Registration (channels, components, resources) happens after
// construction and before the first Connect, since protocol_id is
// derived from it and is meant to be immutable once peers exist (spec
// §9).
type Config struct {
	// MTU bounds every outbound datagram (spec §4.D).
	MTU int
	// MaxPacketsPerSend caps how many packets one Build call may emit.
	MaxPacketsPerSend int
	// BandwidthBytesPerSec <= 0 disables the per-peer bandwidth cap.
	BandwidthBytesPerSec int
	// Compress opts every peer's packet builder into s2 compression.
	Compress bool

	// TickDuration is the fixed simulation step (spec §5).
	TickDuration time.Duration
	// ConnectionTimeout disconnects a peer after this much silence
	// (spec §5, default 5s).
	ConnectionTimeout time.Duration

	// TickSync configures client-role tick steering (spec §4.E). Left
	// nil, ticksync.DefaultConfig(TickDuration) is used.
	TickSync *tickSyncOverride

	// Prediction configures client-side rollback (spec §4.H).
	Prediction prediction.Config
	// InterpolationRingCapacity bounds the (tick, values) ring kept per
	// interpolated entity (spec §4.I).
	InterpolationRingCapacity int
	// InputRedundancy is how many of the last input ticks a client
	// re-sends every tick (spec §4.J).
	InputRedundancy int

	// InputChannel is the channel id carrying wire.InputBatch payloads
	// client -> server. Must be registered like any other channel
	// before the first Connect.
	InputChannel uint32

	Metrics metrics.Sink
	Log     *netlog.Logger
}

// tickSyncOverride lets a host hand-tune ticksync.Config; nil means use
// ticksync.DefaultConfig(TickDuration).
type tickSyncOverride struct {
	InputDelayTicks     uint32
	JitterMarginTicks   uint32
	HardResyncThreshold int32
}

// DefaultConfig returns reasonable defaults for a LAN/internet-hybrid
// deployment at the given fixed tick rate.
func DefaultConfig(tickDuration time.Duration) Config {
	return Config{
		MTU:                       1200,
		MaxPacketsPerSend:         16,
		BandwidthBytesPerSec:      0,
		TickDuration:              tickDuration,
		ConnectionTimeout:         5 * time.Second,
		Prediction:                prediction.Config{MaxPredictionTicks: 32, CorrectionTicks: 6},
		InterpolationRingCapacity: 8,
		InputRedundancy:           3,
		InputChannel:              0,
		Metrics:                   metrics.NopSink{},
		Log:                       netlog.NewNop(),
	}
}
