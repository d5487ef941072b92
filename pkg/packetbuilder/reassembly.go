package packetbuilder

import (
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"

	"github.com/riftloop/netcore/pkg/seq"
	"github.com/riftloop/netcore/pkg/wire"
)

// fragmentSet holds the chunks of one in-flight fragmented message until
// every fragment has arrived. This is the "reassembly buffer" spec §3
// says the receiver exclusively owns.
type fragmentSet struct {
	total      int
	compressed bool
	chunks     map[int][]byte
}

// Ingest decodes one inbound datagram, updates ack bookkeeping in both
// directions, reassembles any fragmented messages, and feeds completed
// payloads to their channel's Receiver. Deliveries are returned in the
// order their channel blocks appeared on the wire.
func (b *Builder) Ingest(now time.Time, datagram []byte) ([]Delivery, uint32, uint32, error) {
	pkt, err := wire.Decode(datagram)
	if err != nil {
		return nil, 0, 0, err
	}

	b.recvAck.Ack(pkt.Header.PacketID)
	b.ackInFlight(pkt.Header.LatestAck, pkt.Header.AckBits)

	var out []Delivery
	for _, block := range pkt.Blocks {
		e, ok := b.entries[block.ChannelID]
		if !ok {
			continue // unknown channel id: the block is skipped and nothing is reported to the caller
		}
		for _, m := range block.Messages {
			payload, ready, err := b.reassemble(block.ChannelID, m)
			if err != nil {
				return out, pkt.Header.ServerTick, pkt.Header.EchoedClientTick, err
			}
			if !ready {
				continue
			}
			for _, d := range e.receiver.OnMessage(m.HasID(), m.MessageID, payload) {
				out = append(out, Delivery{ChannelID: block.ChannelID, Delivery: d})
			}
		}
	}
	return out, pkt.Header.ServerTick, pkt.Header.EchoedClientTick, nil
}

// ackInFlight walks the 32-packet ack window described by (latestAck,
// ackBits) and, for every packetID the peer confirmed receiving, retires
// the corresponding placements on the owning channel's Sender.
func (b *Builder) ackInFlight(latestAck uint16, ackBits uint32) {
	for pid, placements := range b.inFlight {
		if !seq.DecodeReceived(latestAck, ackBits, pid) {
			continue
		}
		for _, p := range placements {
			if e, ok := b.entries[p.channelID]; ok {
				e.sender.Ack(p.messageID, p.fragmentIndex)
			}
		}
		delete(b.inFlight, pid)
	}
}

// reassemble folds a single arrived wire.Message into its channel's
// fragment table (if fragmented) and returns the complete, decompressed
// payload once every fragment has arrived. Non-fragmented messages are
// decompressed and returned immediately.
func (b *Builder) reassemble(channelID uint32, m wire.Message) ([]byte, bool, error) {
	if !m.Fragmented() {
		payload, err := maybeDecompress(m)
		return payload, true, err
	}

	table := b.reassembly[channelID]
	if table == nil {
		table = make(map[uint16]*fragmentSet)
		b.reassembly[channelID] = table
	}
	fs, ok := table[m.MessageID]
	if !ok {
		fs = &fragmentSet{
			total:      int(m.Fragment.Total),
			compressed: m.Compressed(),
			chunks:     make(map[int][]byte, m.Fragment.Total),
		}
		table[m.MessageID] = fs
	}
	fs.chunks[int(m.Fragment.Index)] = m.Payload
	if len(fs.chunks) < fs.total {
		return nil, false, nil
	}
	delete(table, m.MessageID)

	var whole []byte
	for i := 0; i < fs.total; i++ {
		chunk, ok := fs.chunks[i]
		if !ok {
			return nil, false, errors.Errorf("packetbuilder: fragment %d missing from complete set", i)
		}
		whole = append(whole, chunk...)
	}
	if fs.compressed {
		return decompressBytes(whole)
	}
	return whole, true, nil
}

func maybeDecompress(m wire.Message) ([]byte, error) {
	if !m.Compressed() {
		return m.Payload, nil
	}
	out, ready, err := decompressBytes(m.Payload)
	if err != nil || !ready {
		return nil, err
	}
	return out, nil
}

func decompressBytes(data []byte) ([]byte, bool, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, false, errors.Wrap(wire.ErrMalformed, "s2 decompress")
	}
	return out, true, nil
}
