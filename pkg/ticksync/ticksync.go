// Package ticksync implements the client-side tick steering and RTT/jitter
// estimation described in spec §4.E: a client tick counter nudged toward
// server_tick_estimate + half-RTT + input_delay_ticks + jitter_margin, via
// a PI-controlled rate scale with a hard-resync fallback.
package ticksync

import (
	"math"
	"time"
)

// Quality is a coarse connection-health classification derived from
// jitter and loss for host UI/log use (SPEC_FULL.md §C.1).
type Quality int

const (
	Good Quality = iota
	Degraded
	Poor
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "Good"
	case Degraded:
		return "Degraded"
	case Poor:
		return "Poor"
	default:
		return "Unknown"
	}
}

// Config bundles the tunables spec §4.E names explicitly.
type Config struct {
	TickDuration        time.Duration
	InputDelayTicks      uint32
	JitterMarginTicks    uint32
	HardResyncThreshold  int32   // ticks; |delta| beyond this snaps instead of nudging
	ProportionalGain     float64 // k in tick_rate_scale = 1 + k*delta
	ScaleClampMin        float64
	ScaleClampMax        float64
	EWMAAlpha            float64 // RTT/jitter smoothing factor, spec says α≈0.1
	DegradedJitterMillis float64
	PoorJitterMillis     float64
	DegradedLossRate     float64
	PoorLossRate         float64
}

// DefaultConfig matches the example values spec §4.E gives.
func DefaultConfig(tickDuration time.Duration) Config {
	return Config{
		TickDuration:         tickDuration,
		InputDelayTicks:      2,
		JitterMarginTicks:    1,
		HardResyncThreshold:  10,
		ProportionalGain:     0.1,
		ScaleClampMin:        0.9,
		ScaleClampMax:        1.1,
		EWMAAlpha:            0.1,
		DegradedJitterMillis: 30,
		PoorJitterMillis:     80,
		DegradedLossRate:     0.02,
		PoorLossRate:         0.1,
	}
}

// Estimator holds one client's tick-steering state. There is one
// Estimator per connection, stepped once per client tick from the
// single-threaded core loop — no internal locking (spec §5).
type Estimator struct {
	cfg Config

	currentTick uint32
	scale       float64 // applied rate scale, 1.0 == nominal
	accum       float64 // fractional ticks owed by scale, in [0,1)

	haveRTT   bool
	rttMean   float64 // seconds
	jitterEst float64 // seconds

	packetsObserved int
	packetsLost     int
}

// NewEstimator creates an Estimator seeded at startTick.
func NewEstimator(cfg Config, startTick uint32) *Estimator {
	return &Estimator{cfg: cfg, currentTick: startTick, scale: 1.0}
}

// Tick returns the current (possibly steered) client tick.
func (e *Estimator) Tick() uint32 { return e.currentTick }

// Scale returns the currently applied tick-rate scale.
func (e *Estimator) Scale() float64 { return e.scale }

// Advance moves the client tick forward by one nominal tick scaled by the
// current steering factor. Call once per core-loop iteration. scale != 1.0
// means a tick isn't always exactly one nominal tick long: the shortfall or
// excess accumulates fractionally and currentTick only steps once it's
// crossed a whole tick, which is how the PI-controlled nudge (scale set by
// OnServerPacket) actually changes cadence instead of only ever snapping via
// hard resync.
func (e *Estimator) Advance() {
	e.accum += e.scale
	for e.accum >= 1.0 {
		e.currentTick++
		e.accum -= 1.0
	}
}

// OnServerPacket feeds one arrived server→client packet's stamped fields
// into the estimator: serverTick is the packet's server_tick, and
// sendTimeOfEchoedClientTick/now let the estimator compute RTT the way
// spec §4.E specifies (RTT = now - send_time_of_echoed_client_tick).
func (e *Estimator) OnServerPacket(now, sendTimeOfEchoedClientTick time.Time, serverTick uint32) {
	rtt := now.Sub(sendTimeOfEchoedClientTick).Seconds()
	if rtt < 0 {
		rtt = 0
	}
	e.updateRTT(rtt)
	e.packetsObserved++

	halfRTTTicks := int64(math.Floor((rtt / 2) / e.cfg.TickDuration.Seconds()))
	serverTickAtReceive := int64(serverTick) + halfRTTTicks
	target := serverTickAtReceive + int64(e.cfg.InputDelayTicks) + int64(e.cfg.JitterMarginTicks)
	delta := target - int64(e.currentTick)

	if delta > int64(e.cfg.HardResyncThreshold) || delta < -int64(e.cfg.HardResyncThreshold) {
		e.currentTick = uint32(target)
		e.scale = 1.0
		e.accum = 0
		return
	}

	scale := 1 + e.cfg.ProportionalGain*float64(delta)
	if scale < e.cfg.ScaleClampMin {
		scale = e.cfg.ScaleClampMin
	}
	if scale > e.cfg.ScaleClampMax {
		scale = e.cfg.ScaleClampMax
	}
	e.scale = scale
}

// OnPacketLost records a lost outbound packet for loss-rate tracking,
// feeding into Quality classification.
func (e *Estimator) OnPacketLost() {
	e.packetsObserved++
	e.packetsLost++
}

func (e *Estimator) updateRTT(sample float64) {
	if !e.haveRTT {
		e.rttMean = sample
		e.jitterEst = 0
		e.haveRTT = true
		return
	}
	deviation := math.Abs(sample - e.rttMean)
	e.rttMean += e.cfg.EWMAAlpha * (sample - e.rttMean)
	e.jitterEst += e.cfg.EWMAAlpha * (deviation - e.jitterEst)
}

// RTT returns the current smoothed RTT estimate.
func (e *Estimator) RTT() time.Duration { return time.Duration(e.rttMean * float64(time.Second)) }

// Jitter returns the current smoothed jitter estimate.
func (e *Estimator) Jitter() time.Duration { return time.Duration(e.jitterEst * float64(time.Second)) }

// LossRate returns the observed fraction of lost packets since Reset.
func (e *Estimator) LossRate() float64 {
	if e.packetsObserved == 0 {
		return 0
	}
	return float64(e.packetsLost) / float64(e.packetsObserved)
}

// Quality classifies the connection from smoothed jitter and loss rate
// (SPEC_FULL.md §C.1).
func (e *Estimator) Quality() Quality {
	jitterMillis := float64(e.Jitter()) / float64(time.Millisecond)
	loss := e.LossRate()
	switch {
	case jitterMillis >= e.cfg.PoorJitterMillis || loss >= e.cfg.PoorLossRate:
		return Poor
	case jitterMillis >= e.cfg.DegradedJitterMillis || loss >= e.cfg.DegradedLossRate:
		return Degraded
	default:
		return Good
	}
}

// Reset clears all timers and observation state (spec §4.E
// "Cancellation: on disconnect, all timers reset").
func (e *Estimator) Reset(startTick uint32) {
	*e = Estimator{cfg: e.cfg, currentTick: startTick, scale: 1.0}
}
