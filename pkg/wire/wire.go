// Package wire implements the bit-exact wire format from spec §6: packet
// headers, channel blocks, messages, and replication action/update
// payloads. All integers are little-endian; varints are unsigned LEB128
// (pkg/bitio).
package wire

import (
	"github.com/pkg/errors"

	"github.com/riftloop/netcore/pkg/bitio"
)

// ErrMalformed marks a packet/message that failed to parse. Callers in
// this module treat it as drop-and-continue: the packet or payload is
// discarded and the connection stays up. Nothing maps it to a
// ProtocolMismatch disconnect.
var ErrMalformed = errors.New("wire: malformed frame")

// Header is the fixed packet header: packet_id | latest_ack | ack_bits |
// server_tick | echoed_client_tick | n_blocks.
type Header struct {
	PacketID         uint16
	LatestAck        uint16
	AckBits          uint32
	ServerTick       uint32
	EchoedClientTick uint32
}

// EncodeHeader writes the fixed header fields. The varint block count is
// written by the caller (via WriteVarint) once it knows how many blocks
// follow, since the builder assembles blocks before it knows their count.
func EncodeHeader(w *bitio.Writer, h Header) {
	w.WriteUint16(h.PacketID)
	w.WriteUint16(h.LatestAck)
	w.WriteUint32(h.AckBits)
	w.WriteUint32(h.ServerTick)
	w.WriteUint32(h.EchoedClientTick)
}

// DecodeHeader reads the fixed header fields.
func DecodeHeader(r *bitio.Reader) (Header, error) {
	var h Header
	var err error
	if h.PacketID, err = r.ReadUint16(); err != nil {
		return h, errors.Wrap(ErrMalformed, "packet_id")
	}
	if h.LatestAck, err = r.ReadUint16(); err != nil {
		return h, errors.Wrap(ErrMalformed, "latest_ack")
	}
	if h.AckBits, err = r.ReadUint32(); err != nil {
		return h, errors.Wrap(ErrMalformed, "ack_bits")
	}
	if h.ServerTick, err = r.ReadUint32(); err != nil {
		return h, errors.Wrap(ErrMalformed, "server_tick")
	}
	if h.EchoedClientTick, err = r.ReadUint32(); err != nil {
		return h, errors.Wrap(ErrMalformed, "echoed_client_tick")
	}
	return h, nil
}

// Message flag bits.
const (
	FlagFragmented = 1 << 0
	FlagHasID      = 1 << 1
	FlagPriority   = 1 << 2
	FlagCompressed = 1 << 3
)

// FragmentHeader carries (total, index) for a fragmented message.
type FragmentHeader struct {
	Total uint32
	Index uint32
}

// Message is one wire message: flags | [message_id] | [fragment_header] |
// len | bytes.
type Message struct {
	Flags     byte
	MessageID uint16 // valid iff Flags&FlagHasID
	Fragment  FragmentHeader
	Payload   []byte
}

func (m Message) Fragmented() bool { return m.Flags&FlagFragmented != 0 }
func (m Message) HasID() bool      { return m.Flags&FlagHasID != 0 }
func (m Message) Compressed() bool { return m.Flags&FlagCompressed != 0 }

// EncodeMessage appends one message's wire encoding to w.
func EncodeMessage(w *bitio.Writer, m Message) {
	w.WriteByte(m.Flags)
	if m.HasID() {
		w.WriteUint16(m.MessageID)
	}
	if m.Fragmented() {
		w.WriteVarint(uint64(m.Fragment.Total))
		w.WriteVarint(uint64(m.Fragment.Index))
	}
	w.WriteBlob(m.Payload)
}

// DecodeMessage reads one message from r.
func DecodeMessage(r *bitio.Reader) (Message, error) {
	var m Message
	flags, err := r.ReadByte()
	if err != nil {
		return m, errors.Wrap(ErrMalformed, "flags")
	}
	m.Flags = flags
	if m.HasID() {
		if m.MessageID, err = r.ReadUint16(); err != nil {
			return m, errors.Wrap(ErrMalformed, "message_id")
		}
	}
	if m.Fragmented() {
		total, err := r.ReadVarint()
		if err != nil {
			return m, errors.Wrap(ErrMalformed, "fragment_total")
		}
		index, err := r.ReadVarint()
		if err != nil {
			return m, errors.Wrap(ErrMalformed, "fragment_index")
		}
		m.Fragment = FragmentHeader{Total: uint32(total), Index: uint32(index)}
	}
	payload, err := r.ReadBlob()
	if err != nil {
		return m, errors.Wrap(ErrMalformed, "payload")
	}
	m.Payload = payload
	return m, nil
}

// ChannelBlock groups messages destined for one channel: channel_id |
// n_messages | {message}*.
type ChannelBlock struct {
	ChannelID uint32
	Messages  []Message
}

// EncodeChannelBlock appends one channel block.
func EncodeChannelBlock(w *bitio.Writer, b ChannelBlock) {
	w.WriteVarint(uint64(b.ChannelID))
	w.WriteVarint(uint64(len(b.Messages)))
	for _, m := range b.Messages {
		EncodeMessage(w, m)
	}
}

// DecodeChannelBlock reads one channel block.
func DecodeChannelBlock(r *bitio.Reader) (ChannelBlock, error) {
	var b ChannelBlock
	cid, err := r.ReadVarint()
	if err != nil {
		return b, errors.Wrap(ErrMalformed, "channel_id")
	}
	b.ChannelID = uint32(cid)
	n, err := r.ReadVarint()
	if err != nil {
		return b, errors.Wrap(ErrMalformed, "n_messages")
	}
	b.Messages = make([]Message, 0, n)
	for i := uint64(0); i < n; i++ {
		m, err := DecodeMessage(r)
		if err != nil {
			return b, err
		}
		b.Messages = append(b.Messages, m)
	}
	return b, nil
}

// Packet is a fully assembled outbound/inbound datagram: Header +
// n_blocks (varint) + {ChannelBlock}*.
type Packet struct {
	Header Header
	Blocks []ChannelBlock
}

// Encode renders a full packet to bytes.
func Encode(p Packet) []byte {
	w := bitio.NewWriter(256)
	EncodeHeader(w, p.Header)
	w.WriteVarint(uint64(len(p.Blocks)))
	for _, b := range p.Blocks {
		EncodeChannelBlock(w, b)
	}
	return w.Bytes()
}

// Decode parses a full packet from bytes.
func Decode(data []byte) (Packet, error) {
	var p Packet
	r := bitio.NewReader(data)
	h, err := DecodeHeader(r)
	if err != nil {
		return p, err
	}
	p.Header = h
	n, err := r.ReadVarint()
	if err != nil {
		return p, errors.Wrap(ErrMalformed, "n_blocks")
	}
	p.Blocks = make([]ChannelBlock, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := DecodeChannelBlock(r)
		if err != nil {
			return p, err
		}
		p.Blocks = append(p.Blocks, b)
	}
	return p, nil
}
