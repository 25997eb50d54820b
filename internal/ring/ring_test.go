package ring

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloadTS builds a payload with a big-endian 16-bit device timestamp in
// the first two bytes.
func payloadTS(ts uint16, size int) []byte {
	p := make([]byte, size)
	binary.BigEndian.PutUint16(p, ts)
	return p
}

func TestTsAdvance(t *testing.T) {
	base, wrapped := tsAdvance(100, 5000, 200, 65536)
	assert.Equal(t, uint64(5000), base)
	assert.False(t, wrapped)

	base, wrapped = tsAdvance(65535, 5000, 0, 65536)
	assert.Equal(t, uint64(70536), base)
	assert.True(t, wrapped)

	// Equal values are not a wrap
	base, wrapped = tsAdvance(42, 0, 42, 65536)
	assert.Equal(t, uint64(0), base)
	assert.False(t, wrapped)
}

func TestExtractTs(t *testing.T) {
	assert.Equal(t, uint16(0xAB), extractTs([]byte{0xAB, 0x01}, 1))
	assert.Equal(t, uint16(0xABCD), extractTs([]byte{0xAB, 0xCD, 0x01}, 2))
	// 4-byte timestamps are reduced to the low 16 bits of the BE value
	assert.Equal(t, uint16(0xCDEF), extractTs([]byte{0x12, 0x34, 0xCD, 0xEF}, 4))
}

func TestWrapReconstruction(t *testing.T) {
	var b Buffer
	b.Init(8, 4, 2, 1000)

	rawTs := []uint16{60000, 65535, 0, 500}
	wallUs := []uint64{1_000_000, 1_005_000, 1_010_000, 1_010_500}
	for i, ts := range rawTs {
		_, ok := b.Put(wallUs[i], uint32(i), payloadTS(ts, 4))
		require.True(t, ok)
	}

	_, metas := b.Get(0, 0, 0, false)
	require.Len(t, metas, 4)

	var prev uint64
	for i, m := range metas {
		adj := m.TsBaseMs + uint64(m.Ts) // tsResUs=1000 so 1ms per tick
		assert.GreaterOrEqual(t, adj, prev, "entry %d not monotonic", i)
		prev = adj
	}

	stats := b.Stats()
	assert.Equal(t, uint32(1), stats.TsWrapCount)
}

func TestDropOldest(t *testing.T) {
	var b Buffer
	b.Init(3, 4, 2, 1000)

	for _, seq := range []uint32{10, 11, 12, 13, 14} {
		_, ok := b.Put(uint64(seq)*1000, seq, payloadTS(uint16(seq), 4))
		require.True(t, ok)
	}

	stats := b.Stats()
	assert.Equal(t, uint32(3), stats.Depth)
	assert.Equal(t, uint32(2), stats.Drops)
	assert.Equal(t, uint32(12), stats.FirstSeq)

	_, metas := b.Get(0, 0, 0, true)
	require.Len(t, metas, 3)
	for i, m := range metas {
		assert.Equal(t, uint32(12+i), m.Seq)
	}
}

func TestPutRejectsWrongPayloadSize(t *testing.T) {
	var b Buffer
	b.Init(4, 8, 2, 1000)

	_, ok := b.Put(1000, 0, []byte{1, 2, 3})
	assert.False(t, ok)
	assert.Equal(t, uint32(0), b.Stats().Depth)
}

func TestGetMaxBytesCap(t *testing.T) {
	var b Buffer
	b.Init(8, 4, 2, 1000)
	for i := uint32(0); i < 6; i++ {
		b.Put(uint64(i+1)*100_000, i, payloadTS(uint16(i*10), 4))
	}

	// bytesPerEntry = 4 payload + 4 meta = 8; 20 bytes caps at 2 entries
	data, metas := b.Get(0, 20, 0, false)
	assert.Len(t, metas, 2)
	assert.Len(t, data, 8)

	// smaller than one entry yields nothing
	data, metas = b.Get(0, 7, 0, false)
	assert.Nil(t, data)
	assert.Nil(t, metas)
}

func TestPeekWithStartIdxAndConsume(t *testing.T) {
	var b Buffer
	b.Init(8, 4, 2, 1000)
	for i := uint32(0); i < 5; i++ {
		b.Put(uint64(i+1)*100_000, i, payloadTS(uint16(i*10), 4))
	}

	// Peek from offset 2 leaves the buffer untouched
	_, metas := b.Get(2, 0, 2, false)
	require.Len(t, metas, 2)
	assert.Equal(t, uint32(2), metas[0].Seq)
	assert.Equal(t, uint32(5), b.Stats().Depth)

	// A consuming call ignores startIdx and pops from the tail
	_, metas = b.Get(2, 0, 3, true)
	require.Len(t, metas, 2)
	assert.Equal(t, uint32(0), metas[0].Seq)
	assert.Equal(t, uint32(3), b.Stats().Depth)
	assert.Equal(t, uint32(2), b.Stats().FirstSeq)
}

func TestConsume(t *testing.T) {
	var b Buffer
	b.Init(8, 4, 2, 1000)
	for i := uint32(0); i < 4; i++ {
		b.Put(uint64(i+1)*100_000, i, payloadTS(uint16(i), 4))
	}

	require.True(t, b.Consume(2))
	assert.Equal(t, uint32(2), b.Stats().Depth)
	assert.Equal(t, uint32(2), b.Stats().FirstSeq)

	// Consuming more than available clamps
	require.True(t, b.Consume(10))
	assert.Equal(t, uint32(0), b.Stats().Depth)
}

func TestSeqInvariant(t *testing.T) {
	var b Buffer
	b.Init(4, 4, 2, 1000)
	for i := uint32(0); i < 9; i++ {
		b.Put(uint64(i+1)*100_000, i, payloadTS(uint16(i), 4))
		stats := b.Stats()
		assert.Equal(t, stats.FirstSeq, (i+1)-stats.Depth, "firstSeq = nextSeq - count")
		assert.LessOrEqual(t, stats.Depth, uint32(4))
	}
}

func TestInitReleasesAndReconfigures(t *testing.T) {
	var b Buffer
	b.Init(4, 4, 2, 1000)
	b.Put(100_000, 0, payloadTS(1, 4))

	b.Init(2, 6, 1, 10_000)
	stats := b.Stats()
	assert.Equal(t, uint32(0), stats.Depth)
	assert.Equal(t, uint32(2), stats.MaxEntries)
	assert.Equal(t, uint32(6), stats.PayloadSize)
	assert.Equal(t, uint32(2*(6+MetaStorageBytes)), b.CapacityBytes())
}
