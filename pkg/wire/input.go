package wire

import (
	"github.com/pkg/errors"

	"github.com/riftloop/netcore/pkg/bitio"
)

// InputEntry is one tick-tagged input sample inside an InputBatch (spec
// §4.J "a batch of the last N inputs, each tagged with its target
// tick").
type InputEntry struct {
	Tick  uint32
	Bytes []byte
}

// InputBatch is the wire payload carried on the dedicated input channel:
// count:varint | {tick:u32, len:varint, bytes}*.
type InputBatch struct {
	Entries []InputEntry
}

func EncodeInputBatch(b InputBatch) []byte {
	w := bitio.NewWriter(32)
	w.WriteVarint(uint64(len(b.Entries)))
	for _, e := range b.Entries {
		w.WriteUint32(e.Tick)
		w.WriteBlob(e.Bytes)
	}
	return w.Bytes()
}

func DecodeInputBatch(data []byte) (InputBatch, error) {
	var b InputBatch
	r := bitio.NewReader(data)
	n, err := r.ReadVarint()
	if err != nil {
		return b, errors.Wrap(ErrMalformed, "input_batch_count")
	}
	b.Entries = make([]InputEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		tick, err := r.ReadUint32()
		if err != nil {
			return b, errors.Wrap(ErrMalformed, "input_tick")
		}
		bytes, err := r.ReadBlob()
		if err != nil {
			return b, errors.Wrap(ErrMalformed, "input_bytes")
		}
		b.Entries = append(b.Entries, InputEntry{Tick: tick, Bytes: bytes})
	}
	return b, nil
}
