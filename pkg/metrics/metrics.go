// Package metrics defines the sink interface the core pushes connection
// telemetry into (spec §9: "Metrics are pushed to a sink interface
// supplied by the host") and a prometheus/client_golang-backed
// implementation. The module never exposes these over HTTP itself —
// standing up a /metrics exporter is out of scope per spec §1 Non-goals
// ("metrics exporters"); that remains the host's job once it has a
// *prometheus.Registry from PrometheusSink.Registry().
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink receives per-peer telemetry samples. Implementations must be safe
// to call once per tick from the single core loop; they do not need to
// be goroutine-safe beyond that.
type Sink interface {
	ObserveRTT(peer string, seconds float64)
	ObserveJitter(peer string, seconds float64)
	ObserveBandwidth(peer string, bytesPerSecond float64)
	IncPacketsSent(peer string, n int)
	IncPacketsLost(peer string, n int)
	IncRollback(peer string)
	IncDesync(peer string)
}

// NopSink discards all samples.
type NopSink struct{}

func (NopSink) ObserveRTT(string, float64)         {}
func (NopSink) ObserveJitter(string, float64)      {}
func (NopSink) ObserveBandwidth(string, float64)   {}
func (NopSink) IncPacketsSent(string, int)         {}
func (NopSink) IncPacketsLost(string, int)         {}
func (NopSink) IncRollback(string)                 {}
func (NopSink) IncDesync(string)                   {}

// PrometheusSink implements Sink using prometheus/client_golang metric
// types, registered against its own *prometheus.Registry so the host
// decides how (or whether) to expose it.
type PrometheusSink struct {
	registry *prometheus.Registry

	rtt           *prometheus.GaugeVec
	jitter        *prometheus.GaugeVec
	bandwidth     *prometheus.GaugeVec
	packetsSent   *prometheus.CounterVec
	packetsLost   *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	desyncs       *prometheus.CounterVec
}

// NewPrometheusSink builds a fresh registry and registers all netcore
// connection metrics against it.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	s := &PrometheusSink{
		registry: reg,
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netcore", Name: "rtt_seconds", Help: "Estimated round-trip time per peer.",
		}, []string{"peer"}),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netcore", Name: "jitter_seconds", Help: "Estimated RTT jitter per peer.",
		}, []string{"peer"}),
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netcore", Name: "bandwidth_bytes_per_second", Help: "Outbound bandwidth per peer.",
		}, []string{"peer"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore", Name: "packets_sent_total", Help: "Packets sent per peer.",
		}, []string{"peer"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore", Name: "packets_lost_total", Help: "Packets presumed lost per peer.",
		}, []string{"peer"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore", Name: "rollbacks_total", Help: "Prediction rollbacks per peer.",
		}, []string{"peer"}),
		desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore", Name: "desyncs_total", Help: "Desync events (rollback exceeded window) per peer.",
		}, []string{"peer"}),
	}
	reg.MustRegister(s.rtt, s.jitter, s.bandwidth, s.packetsSent, s.packetsLost, s.rollbacks, s.desyncs)
	return s
}

// Registry returns the underlying registry for the host to expose however
// it sees fit (this package does not serve HTTP itself).
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusSink) ObserveRTT(peer string, seconds float64)       { s.rtt.WithLabelValues(peer).Set(seconds) }
func (s *PrometheusSink) ObserveJitter(peer string, seconds float64)    { s.jitter.WithLabelValues(peer).Set(seconds) }
func (s *PrometheusSink) ObserveBandwidth(peer string, bps float64)     { s.bandwidth.WithLabelValues(peer).Set(bps) }
func (s *PrometheusSink) IncPacketsSent(peer string, n int)             { s.packetsSent.WithLabelValues(peer).Add(float64(n)) }
func (s *PrometheusSink) IncPacketsLost(peer string, n int)             { s.packetsLost.WithLabelValues(peer).Add(float64(n)) }
func (s *PrometheusSink) IncRollback(peer string)                       { s.rollbacks.WithLabelValues(peer).Inc() }
func (s *PrometheusSink) IncDesync(peer string)                         { s.desyncs.WithLabelValues(peer).Inc() }
