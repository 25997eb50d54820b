package persist

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorbus/internal/ring"
)

func TestSegmentKey(t *testing.T) {
	assert.Equal(t, "s00000", segmentKey(0))
	assert.Equal(t, "s00042", segmentKey(42))
	assert.Equal(t, "s12345", segmentKey(12345))
}

func TestMetaRoundTrip(t *testing.T) {
	var m meta
	m.reset(8, 2, 1000, 100)
	m.Head = 7
	m.Count = 5
	m.NextSeq = 12
	m.ImportSeq = 6
	m.Drops = 3

	var out meta
	require.True(t, out.decode(m.encode()))
	assert.Equal(t, m, out)

	// Truncated or bad-magic blobs are rejected
	var bad meta
	assert.False(t, bad.decode(m.encode()[:20]))
	blob := m.encode()
	blob[0] = 0xFF
	assert.False(t, bad.decode(blob))
}

// batch builds count concatenated payloads with BE 16-bit timestamps and
// matching adjusted-ms values.
func batch(payloadSize, count uint32, firstTs uint16) ([]byte, []uint32) {
	payloads := make([]byte, 0, payloadSize*count)
	adj := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		p := make([]byte, payloadSize)
		binary.BigEndian.PutUint16(p, firstTs+uint16(i))
		payloads = append(payloads, p...)
		adj = append(adj, uint32(firstTs)+i)
	}
	return payloads, adj
}

func configured(t *testing.T, store BlobStore, payloadSize, maxEntries uint32) *Ring {
	t.Helper()
	r := &Ring{}
	require.NoError(t, r.Configure("dev0", store, payloadSize, 2, 1000, maxEntries))
	return r
}

func TestAppendBatchBasic(t *testing.T) {
	store := NewMemStore()
	r := configured(t, store, 8, 100)

	payloads, adj := batch(8, 5, 100)
	lastSeq, err := r.AppendBatch(payloads, adj, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), lastSeq)
	assert.Equal(t, uint32(5), r.Count())
	assert.Equal(t, uint32(5), r.NextSeq())

	// Reopen from the same store: state survives
	r2 := configured(t, store, 8, 100)
	assert.Equal(t, uint32(5), r2.Count())
	assert.Equal(t, uint32(5), r2.NextSeq())
}

func TestAppendBatchSkipsAlreadyStored(t *testing.T) {
	r := configured(t, NewMemStore(), 8, 100)

	payloads, adj := batch(8, 5, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 5)
	require.NoError(t, err)

	// Overlapping batch seqs 3..6: 3 and 4 are skipped
	payloads, adj = batch(8, 4, 3)
	lastSeq, err := r.AppendBatch(payloads, adj, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), lastSeq)
	assert.Equal(t, uint32(7), r.Count())
	assert.Equal(t, uint32(7), r.NextSeq())

	// Fully-contained batch is a no-op reporting the stored tail
	payloads, adj = batch(8, 2, 1)
	lastSeq, err = r.AppendBatch(payloads, adj, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), lastSeq)
	assert.Equal(t, uint32(7), r.Count())
}

func TestAppendBatchSequenceGapResets(t *testing.T) {
	r := configured(t, NewMemStore(), 8, 100)

	payloads, adj := batch(8, 5, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 5)
	require.NoError(t, err)

	// Jump ahead: entries 5..9 were lost, store resets to keep moving
	payloads, adj = batch(8, 3, 10)
	lastSeq, err := r.AppendBatch(payloads, adj, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), lastSeq)
	assert.Equal(t, uint32(3), r.Count())
	assert.Equal(t, uint32(13), r.NextSeq())
}

func TestSchemaChangeErasesStore(t *testing.T) {
	store := NewMemStore()
	r := configured(t, store, 8, 100)
	payloads, adj := batch(8, 50, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 50)
	require.NoError(t, err)
	require.Equal(t, uint32(50), r.Count())

	// Reconfigure with a different payload size: destructive recovery
	r2 := &Ring{}
	require.NoError(t, r2.Configure("dev0", store, 16, 2, 1000, 100))
	assert.Equal(t, uint32(0), r2.Count())

	payloads, adj = batch(16, 4, 0)
	lastSeq, err := r2.AppendBatch(payloads, adj, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), lastSeq)
	assert.Equal(t, uint32(4), r2.Count())
	assert.Equal(t, uint32(4), r2.NextSeq())
}

func TestAppendAcrossSegments(t *testing.T) {
	// recordSize 1000 -> 4 records per segment
	store := NewMemStore()
	r := configured(t, store, 996, 20)

	payloads, adj := batch(996, 10, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 10)
	require.NoError(t, err)

	// meta + segments s00000..s00002
	_, found, _ := store.GetBlob("s00000")
	assert.True(t, found)
	_, found, _ = store.GetBlob("s00002")
	assert.True(t, found)
	_, found, _ = store.GetBlob("s00003")
	assert.False(t, found)
}

func TestEffectiveMaxEntriesClips(t *testing.T) {
	r := configured(t, NewMemStore(), 8, 10)
	payloads, adj := batch(8, 8, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 8)
	require.NoError(t, err)

	r.SetEffectiveMaxEntries(5)
	assert.Equal(t, uint32(5), r.Count())
	assert.Equal(t, uint32(3), r.Drops())

	// Further appends keep the lowered cap
	payloads, adj = batch(8, 2, 8)
	_, err = r.AppendBatch(payloads, adj, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), r.Count())
	assert.Equal(t, uint32(5), r.Drops())
}

func TestImportToAdvancesWatermark(t *testing.T) {
	r := configured(t, NewMemStore(), 8, 100)
	payloads, adj := batch(8, 10, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 10)
	require.NoError(t, err)

	var dest ring.Buffer
	dest.Init(8, 8, 2, 1000)

	nextSeq, err := r.ImportTo(&dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), nextSeq)

	// Import starts strictly after the watermark (seq 1) and caps at the
	// destination capacity
	stats := dest.Stats()
	assert.Equal(t, uint32(8), stats.Depth)
	assert.Equal(t, uint32(1), stats.FirstSeq)
	assert.Equal(t, uint32(8), r.ImportSeq())

	// Second import picks up only the remainder
	dest.Clear()
	dest.Init(8, 8, 2, 1000)
	_, err = r.ImportTo(&dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dest.Stats().Depth)
	assert.Equal(t, uint32(9), r.ImportSeq())

	// Watermark never moves backwards
	_, err = r.ImportTo(&dest, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), r.ImportSeq())
}

func TestAppendBatchWriteFailureSurfaces(t *testing.T) {
	store := NewMemStore()
	r := configured(t, store, 8, 100)

	store.FailWrites = true
	payloads, adj := batch(8, 3, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 3)
	assert.Error(t, err)

	// The store still accepts the batch once writes recover
	store.FailWrites = false
	lastSeq, err := r.AppendBatch(payloads, adj, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), lastSeq)
}

func TestClearInvalidates(t *testing.T) {
	store := NewMemStore()
	r := configured(t, store, 8, 100)
	payloads, adj := batch(8, 3, 0)
	_, err := r.AppendBatch(payloads, adj, 0, 3)
	require.NoError(t, err)

	require.NoError(t, r.Clear())
	assert.False(t, r.Ready())
	assert.Equal(t, 0, store.Len())

	_, err = r.AppendBatch(payloads, adj, 0, 3)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/blobs.db"
	bs, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()

	ns := bs.Namespace("bus0-0x48")
	_, found, err := ns.GetBlob("meta")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ns.SetBlob("meta", []byte{1, 2, 3}))
	data, found, err := ns.GetBlob("meta")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// Namespaces are isolated
	other := bs.Namespace("bus0-0x49")
	_, found, _ = other.GetBlob("meta")
	assert.False(t, found)

	require.NoError(t, ns.EraseAll())
	_, found, _ = ns.GetBlob("meta")
	assert.False(t, found)
}

func TestRingOverBoltStore(t *testing.T) {
	path := t.TempDir() + "/blobs.db"
	bs, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()

	r := &Ring{}
	require.NoError(t, r.Configure("dev1", bs.Namespace("dev1"), 8, 2, 1000, 50))
	payloads, adj := batch(8, 6, 0)
	_, err = r.AppendBatch(payloads, adj, 0, 6)
	require.NoError(t, err)

	r2 := &Ring{}
	require.NoError(t, r2.Configure("dev1", bs.Namespace("dev1"), 8, 2, 1000, 50))
	assert.Equal(t, uint32(6), r2.Count())
}
