// Package inputtimeline implements §4.J's client-side redundant input
// batching and server-side per-tick input buffer with stale-discard
// semantics.
package inputtimeline

import "github.com/riftloop/netcore/pkg/netlog"

// Entry is one tick-tagged input sample.
type Entry struct {
	Tick  uint32
	Bytes []byte
}

// Client buffers the last N local inputs so every outgoing batch
// carries redundancy against loss (spec §4.J "a batch of the last N
// inputs").
type Client struct {
	redundancy int
	history    map[uint32][]byte
	order      []uint32 // oldest-first tick order
}

// NewClient builds a Client that sends the last redundancy ticks' worth
// of input in every Batch call.
func NewClient(redundancy int) *Client {
	return &Client{redundancy: redundancy, history: make(map[uint32][]byte)}
}

// Push records the local input for tick and trims history older than
// the redundancy window.
func (c *Client) Push(tick uint32, input []byte) {
	if _, exists := c.history[tick]; !exists {
		c.order = append(c.order, tick)
	}
	c.history[tick] = input
	for len(c.order) > c.redundancy {
		delete(c.history, c.order[0])
		c.order = c.order[1:]
	}
}

// Batch returns every buffered input, oldest first, ready to be encoded
// onto the wire this tick.
func (c *Client) Batch() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, tick := range c.order {
		out = append(out, Entry{Tick: tick, Bytes: c.history[tick]})
	}
	return out
}

// At returns the locally buffered input for tick, if any, for the
// prediction package's resimulation to reuse (spec §4.H step 2).
func (c *Client) At(tick uint32) []byte {
	return c.history[tick]
}

// Server buffers per-client inputs by tick and serves the input for the
// tick currently being simulated, falling back to the most recent older
// input if the exact tick is missing (spec §4.J).
type Server struct {
	log    *netlog.Logger
	buffer map[uint32][]byte
	lastConsumedTick uint32
	haveConsumed bool
}

// NewServer builds a Server input buffer. log receives the warning
// emitted when an input arrives for a tick already simulated.
func NewServer(log *netlog.Logger) *Server {
	if log == nil {
		log = netlog.NewNop()
	}
	return &Server{log: log, buffer: make(map[uint32][]byte)}
}

// Ingest records a batch of redundant inputs from the client. Any entry
// tagged for a tick at or before the last consumed tick is discarded
// with a logged warning (spec §4.J "discarded and a logged warning is
// recorded"), since the server has already simulated past it.
func (s *Server) Ingest(peer string, batch []Entry) {
	for _, e := range batch {
		if s.haveConsumed && e.Tick <= s.lastConsumedTick {
			s.log.Warnf("inputtimeline: discarding stale input from %s for tick %d (already simulated through %d)", peer, e.Tick, s.lastConsumedTick)
			continue
		}
		if _, exists := s.buffer[e.Tick]; exists {
			continue // redundant copy of an already-buffered tick
		}
		s.buffer[e.Tick] = e.Bytes
	}
}

// Consume returns the input to simulate for tick: the input tagged
// exactly tick if present, otherwise the most recent older buffered
// input (spec §4.J "or the most recent older input if missing").
// Marks tick as consumed so later-arriving inputs for it or earlier are
// discarded by Ingest.
func (s *Server) Consume(tick uint32) []byte {
	s.lastConsumedTick = tick
	s.haveConsumed = true

	if v, ok := s.buffer[tick]; ok {
		return v
	}
	var best []byte
	var bestTick uint32
	found := false
	for t, v := range s.buffer {
		if t > tick {
			continue
		}
		if !found || t > bestTick {
			bestTick, best, found = t, v, true
		}
	}
	return best
}
