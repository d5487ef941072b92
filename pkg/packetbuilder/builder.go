// Package packetbuilder assembles MTU-bounded, priority-scheduled
// datagrams from a set of registered channels, fragments oversized
// reliable messages, and reassembles incoming fragments before handing
// whole payloads to pkg/channel. Implements spec §4.D; the receiver
// exclusively owns reassembly buffers per spec §3, which is why that
// state lives here rather than in pkg/channel.
package packetbuilder

import (
	"sort"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/riftloop/netcore/pkg/channel"
	"github.com/riftloop/netcore/pkg/seq"
	"github.com/riftloop/netcore/pkg/wire"
)

// header overhead bytes: packet_id(2) + latest_ack(2) + ack_bits(4) +
// server_tick(4) + echoed_client_tick(4) + n_blocks varint(~1).
const headerOverheadEstimate = 17

// perBlockOverheadEstimate covers a channel block's channel_id and
// n_messages varints, each typically one byte for the small channel
// counts and message counts a single packet carries.
const perBlockOverheadEstimate = 3

// perMessageOverheadEstimate covers flags(1) + message_id(2, worst case)
// + fragment header(2 varints, worst case ~4) + blob length varint(~2).
const perMessageOverheadEstimate = 9

// entry bundles one registered channel's sender and receiver halves plus
// its configuration.
type entry struct {
	id       uint32
	cfg      channel.Config
	sender   *channel.Sender
	receiver *channel.Receiver
}

// placement records where one (fragment of a) reliable message landed, so
// an incoming ack for its packet can be routed back to the right
// channel's Sender.
type placement struct {
	channelID     uint32
	messageID     uint16
	fragmentIndex int
}

// Delivery is one application payload that arrived on a channel, ready
// for the caller to route by ChannelID.
type Delivery struct {
	ChannelID uint32
	channel.Delivery
}

// Builder is a single peer connection's packet assembly and disassembly
// state. One Builder exists per connected peer.
type Builder struct {
	MTU               int
	MaxPacketsPerSend int
	Compress          bool

	limiter *rate.Limiter

	entries map[uint32]*entry
	order   []uint32 // registration order, used as the priority tie-break

	nextPacketID uint16
	inFlight     map[uint16][]placement

	recvAck seq.AckBitfield

	reassembly map[uint32]map[uint16]*fragmentSet
}

// New constructs a Builder. bandwidthBytesPerSec <= 0 disables the
// bandwidth cap (spec §4.D allows an unbounded sender for loopback/test
// use).
func New(mtu, maxPacketsPerSend int, bandwidthBytesPerSec int) *Builder {
	var lim *rate.Limiter
	if bandwidthBytesPerSec > 0 {
		// Burst of exactly one MTU: the cap should halt building as soon as
		// the configured byte rate is exhausted, not absorb several
		// packets' worth of backlog before it engages (spec §4.D).
		lim = rate.NewLimiter(rate.Limit(bandwidthBytesPerSec), mtu)
	}
	return &Builder{
		MTU:               mtu,
		MaxPacketsPerSend: maxPacketsPerSend,
		limiter:           lim,
		entries:           make(map[uint32]*entry),
		inFlight:          make(map[uint16][]placement),
		reassembly:        make(map[uint32]map[uint16]*fragmentSet),
	}
}

// Register adds a channel to the builder, in priority-tie-break order.
func (b *Builder) Register(channelID uint32, cfg channel.Config) {
	b.entries[channelID] = &entry{
		id:       channelID,
		cfg:      cfg,
		sender:   channel.NewSender(cfg),
		receiver: channel.NewReceiver(cfg),
	}
	b.order = append(b.order, channelID)
	b.reassembly[channelID] = make(map[uint16]*fragmentSet)
}

// ErrOversizeUnreliable is returned by Send when a message larger than
// the channel's max_message_bytes is submitted on an unreliable channel.
// Fragments only apply to reliable channels (spec §9 open question
// "fragment reassembly on unreliable channels"), so oversize messages
// are rejected here rather than silently dropped later at build time.
var ErrOversizeUnreliable = errors.New("packetbuilder: message exceeds max_message_bytes on an unreliable channel")

// Send enqueues an application payload on the given channel for the next
// Build call to schedule.
func (b *Builder) Send(channelID uint32, payload []byte) error {
	e, ok := b.entries[channelID]
	if !ok {
		return errors.Errorf("packetbuilder: unregistered channel %d", channelID)
	}
	if !e.cfg.Mode.Reliable() && len(payload) > e.cfg.MaxMessageBytes {
		e.sender.Stats.Dropped++
		return ErrOversizeUnreliable
	}
	e.sender.Enqueue(payload)
	return nil
}

// Stats returns the current Stats snapshot for channelID, for metrics.
func (b *Builder) Stats(channelID uint32) channel.Stats {
	e, ok := b.entries[channelID]
	if !ok {
		return channel.Stats{}
	}
	st := e.sender.Stats
	st.QueueDepth = e.sender.QueueDepth()
	return st
}

// Build assembles as many MTU-bounded packets as priority and bandwidth
// allow for this send opportunity (spec §4.D steps 1-6), stamping each
// with serverTick/echoedClientTick and the receiver's ack state for the
// peer. It returns the wire bytes ready for transport.Endpoint.Send.
func (b *Builder) Build(now time.Time, serverTick, echoedClientTick uint32) [][]byte {
	for _, id := range b.order {
		b.entries[id].sender.Accumulate()
	}

	ids := make([]uint32, len(b.order))
	copy(ids, b.order)
	sort.Slice(ids, func(i, j int) bool {
		ei, ej := b.entries[ids[i]], b.entries[ids[j]]
		if ei.sender.Accumulator != ej.sender.Accumulator {
			return ei.sender.Accumulator > ej.sender.Accumulator
		}
		return ids[i] < ids[j]
	})

	var packets [][]byte
	for len(packets) < b.MaxPacketsPerSend {
		if b.limiter != nil && !b.limiter.AllowN(now, b.MTU) {
			break
		}
		blocks, placements, wrote := b.buildOnePacket(now, ids)
		// The very first packet of a send opportunity always goes out even
		// with zero blocks, since its header is how ack information (and a
		// liveness heartbeat) reaches the peer when there's no application
		// data pending. Later packets in the same opportunity only exist to
		// carry overflow application data, so an empty one ends the batch.
		if !wrote && len(packets) > 0 {
			break
		}
		latestAck, ackBits := b.recvAck.Snapshot()
		pid := b.nextPacketID
		b.nextPacketID++
		pkt := wire.Packet{
			Header: wire.Header{
				PacketID:         pid,
				LatestAck:        latestAck,
				AckBits:          ackBits,
				ServerTick:       serverTick,
				EchoedClientTick: echoedClientTick,
			},
			Blocks: blocks,
		}
		if len(placements) > 0 {
			b.inFlight[pid] = placements
		}
		packets = append(packets, wire.Encode(pkt))
	}
	return packets
}

// buildOnePacket walks channels in priority order and packs as many due
// messages as fit within one MTU-bounded packet.
func (b *Builder) buildOnePacket(now time.Time, ids []uint32) ([]wire.ChannelBlock, []placement, bool) {
	budget := b.MTU - headerOverheadEstimate
	var blocks []wire.ChannelBlock
	var placements []placement
	wroteAny := false

	for _, id := range ids {
		e := b.entries[id]
		var msgs []wire.Message
		blockUsed := false

		consume := func(m wire.Message, p *placement) bool {
			cost := perMessageOverheadEstimate + len(m.Payload)
			if !blockUsed {
				cost += perBlockOverheadEstimate
			}
			if cost > budget {
				return false
			}
			budget -= cost
			msgs = append(msgs, m)
			if p != nil {
				placements = append(placements, *p)
			}
			blockUsed = true
			wroteAny = true
			return true
		}

		for _, pm := range e.sender.DueReliable(now, 1<<20) {
			if !b.packMessage(e, pm.ID, true, true, pm.Payload, consume) {
				break
			}
			e.sender.MarkSent(pm, now)
		}
		for _, pm := range e.sender.DrainUnreliable(1 << 20) {
			// Oversize unreliable messages are already rejected by Send;
			// this is unreachable in practice but kept as a last line of
			// defense against a future caller bypassing Send.
			if len(pm.Payload) > e.cfg.MaxMessageBytes {
				continue
			}
			b.packMessage(e, pm.ID, pm.HasID, false, pm.Payload, consume)
		}

		if blockUsed {
			blocks = append(blocks, wire.ChannelBlock{ChannelID: id, Messages: msgs})
			e.sender.ResetAccumulator()
		}
	}
	return blocks, placements, wroteAny
}

// packMessage fragments payload if it exceeds the channel's
// max_message_bytes, handing each resulting wire.Message (and its
// placement, for reliable channels) to consume. hasID tags the message
// with its MessageId on the wire (true for every reliable message and
// for UnreliableSequenced messages, which need a real id to gate
// sequenced delivery; false for UnreliableUnordered). It returns false as
// soon as consume rejects a piece for lack of budget, in which case none
// of the message's later fragments are attempted either (a partially-sent
// fragmented message would be unreassemblable).
func (b *Builder) packMessage(e *entry, id uint16, hasID, reliable bool, payload []byte, consume func(wire.Message, *placement) bool) bool {
	payload, compressed := b.compress(payload)
	baseFlags := byte(0)
	if compressed {
		baseFlags |= wire.FlagCompressed
	}

	maxBytes := e.cfg.MaxMessageBytes
	if len(payload) <= maxBytes {
		flags := baseFlags
		if hasID {
			flags |= wire.FlagHasID
		}
		var p *placement
		if reliable {
			p = &placement{channelID: e.id, messageID: id, fragmentIndex: 0}
		}
		return consume(wire.Message{Flags: flags, MessageID: id, Payload: payload}, p)
	}

	if !reliable {
		// Oversize message on an unreliable channel: dropped here.
		// Nothing is logged and Stats.Dropped is not bumped; the return
		// value is true, the same as for a packed message.
		return true
	}

	total := (len(payload) + maxBytes - 1) / maxBytes
	e.sender.MarkFragmented(id, total)
	for i := 0; i < total; i++ {
		start := i * maxBytes
		end := start + maxBytes
		if end > len(payload) {
			end = len(payload)
		}
		m := wire.Message{
			Flags:     baseFlags | wire.FlagHasID | wire.FlagFragmented,
			MessageID: id,
			Fragment:  wire.FragmentHeader{Total: uint32(total), Index: uint32(i)},
			Payload:   payload[start:end],
		}
		p := &placement{channelID: e.id, messageID: id, fragmentIndex: i}
		if !consume(m, p) {
			return false
		}
	}
	return true
}

// compress applies s2 compression to a whole (pre-fragmentation) message
// payload when the Builder opts in and it actually shrinks the payload;
// the bool return tells packMessage whether to tag FlagCompressed on
// every resulting fragment so the receiving Builder knows to reverse it
// after reassembly.
func (b *Builder) compress(payload []byte) ([]byte, bool) {
	if !b.Compress {
		return payload, false
	}
	out := s2.Encode(nil, payload)
	if len(out) < len(payload) {
		return out, true
	}
	return payload, false
}
