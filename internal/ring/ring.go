package ring

import (
	"sync"

	"sensorbus/internal/model"
)

// MetaStorageBytes is the per-entry overhead of the adjusted-timestamp
// side array, counted in byte budgets and maxBytes caps.
const MetaStorageBytes = 4

// Buffer is a fixed-capacity ring of fixed-size payloads with a parallel
// array of adjusted millisecond timestamps. Device timestamps wrap modulo
// a small field; the buffer reconstructs a monotonic base across wraps.
// Overflow drops the oldest entry and counts it; writers never block.
type Buffer struct {
	mu sync.Mutex

	maxEntries  uint32
	payloadSize uint32
	tsBytes     uint32
	tsResUs     uint32
	wrapMs      uint64

	buf     []byte
	adjTsMs []uint32

	head      uint32
	count     uint32
	drops     uint32
	wrapCount uint32
	nextSeq   uint32

	tsBaseMs    uint64
	lastTsVal   uint16
	lastTsValid bool
}

// Init allocates storage for maxEntries payloads of payloadSize bytes and
// clears all counters. Any prior storage is released first.
func (b *Buffer) Init(maxEntries, payloadSize, tsBytes, tsResUs uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = nil
	b.adjTsMs = nil

	b.maxEntries = maxEntries
	b.payloadSize = payloadSize
	b.tsBytes = tsBytes
	b.tsResUs = tsResUs
	b.wrapMs = (uint64(1) << (tsBytes * 8)) * uint64(tsResUs/1000)
	b.buf = make([]byte, maxEntries*payloadSize)
	b.adjTsMs = make([]uint32, maxEntries)
	b.resetLocked()
}

// Clear empties the buffer and resets the timestamp base, keeping the
// configured geometry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.head = 0
	b.count = 0
	b.drops = 0
	b.wrapCount = 0
	b.nextSeq = 0
	b.tsBaseMs = 0
	b.lastTsVal = 0
	b.lastTsValid = false
}

// IsConfigured reports whether Init has been called with a usable geometry.
func (b *Buffer) IsConfigured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxEntries > 0 && b.payloadSize > 0
}

// Put stores one payload. The payload length must equal the configured
// payload size. Returns the adjusted millisecond timestamp assigned to the
// entry and whether the payload was accepted.
func (b *Buffer) Put(timeNowUs uint64, seq uint32, payload []byte) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxEntries == 0 || b.payloadSize == 0 || uint32(len(payload)) != b.payloadSize {
		return 0, false
	}

	tsVal := extractTs(payload, b.tsBytes)
	tsResMs := uint64(b.tsResUs / 1000)

	timeNowMs := timeNowUs / 1000
	if !b.lastTsValid {
		if tsResMs > 0 && timeNowMs > uint64(tsVal)*tsResMs {
			b.tsBaseMs = timeNowMs - uint64(tsVal)*tsResMs
		} else {
			b.tsBaseMs = 0
		}
	} else {
		var wrapped bool
		b.tsBaseMs, wrapped = tsAdvance(b.lastTsVal, b.tsBaseMs, tsVal, b.wrapMs)
		if wrapped {
			b.wrapCount++
		}
	}
	b.lastTsVal = tsVal
	b.lastTsValid = true

	copy(b.buf[b.head*b.payloadSize:], payload)
	adjTsMs := uint32(b.tsBaseMs + uint64(tsVal)*tsResMs)
	b.adjTsMs[b.head] = adjTsMs

	if b.count < b.maxEntries {
		b.count++
	} else {
		b.drops++
	}
	b.head = (b.head + 1) % b.maxEntries
	b.nextSeq = seq + 1

	return adjTsMs, true
}

// Get reads up to maxResponses of the oldest entries starting at logical
// offset startIdx from the tail, returning concatenated payload bytes and
// per-entry metadata. maxBytes (0 = no cap) further limits the count by
// whole entries of payloadSize+MetaStorageBytes. A consuming call forces
// startIdx to 0; zero maxResponses means all available.
func (b *Buffer) Get(maxResponses, maxBytes, startIdx uint32, consume bool) ([]byte, []model.OfflineMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxEntries == 0 || b.payloadSize == 0 {
		return nil, nil
	}
	if consume && startIdx > 0 {
		startIdx = 0
	}
	if b.count == 0 || startIdx >= b.count {
		return nil, nil
	}

	available := b.count - startIdx
	numResponses := available
	if maxResponses != 0 && maxResponses < numResponses {
		numResponses = maxResponses
	}
	if maxBytes > 0 {
		bytesPerEntry := b.payloadSize + MetaStorageBytes
		maxFromBytes := maxBytes / bytesPerEntry
		if maxFromBytes == 0 {
			return nil, nil
		}
		if maxFromBytes < numResponses {
			numResponses = maxFromBytes
		}
	}
	if numResponses == 0 {
		return nil, nil
	}

	tailIdx := (b.head + b.maxEntries - b.count + startIdx) % b.maxEntries
	data := make([]byte, 0, numResponses*b.payloadSize)
	metas := make([]model.OfflineMeta, 0, numResponses)
	seqStart := startIdx
	if b.nextSeq > b.count {
		seqStart = b.nextSeq - b.count + startIdx
	}
	tsResMs := uint64(b.tsResUs / 1000)

	for i := uint32(0); i < numResponses; i++ {
		entry := b.buf[tailIdx*b.payloadSize : (tailIdx+1)*b.payloadSize]
		data = append(data, entry...)

		meta := model.OfflineMeta{
			Seq: seqStart + i,
			Ts:  uint32(extractTs(entry, b.tsBytes)),
		}
		adjTsMs := uint64(b.adjTsMs[tailIdx])
		tsComponentMs := uint64(meta.Ts) * tsResMs
		if adjTsMs >= tsComponentMs {
			meta.TsBaseMs = adjTsMs - tsComponentMs
		}
		metas = append(metas, meta)

		tailIdx = (tailIdx + 1) % b.maxEntries
	}

	if consume {
		b.count -= numResponses
	}
	return data, metas
}

// Consume pops up to n of the oldest entries without returning them.
func (b *Buffer) Consume(n uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxEntries == 0 || b.payloadSize == 0 {
		return false
	}
	if n > b.count {
		n = b.count
	}
	b.count -= n
	return true
}

// Stats returns a snapshot of the buffer state.
func (b *Buffer) Stats() model.OfflineStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats model.OfflineStats
	if b.maxEntries == 0 || b.payloadSize == 0 {
		return stats
	}
	stats.Depth = b.count
	stats.Drops = b.drops
	stats.MaxEntries = b.maxEntries
	stats.PayloadSize = b.payloadSize
	stats.MetaSize = MetaStorageBytes
	stats.TsWrapCount = b.wrapCount
	stats.TimestampBytes = b.tsBytes
	stats.TimestampResolutionUs = b.tsResUs
	if b.nextSeq > b.count {
		stats.FirstSeq = b.nextSeq - b.count
	}
	if b.count > 0 {
		tailIdx := (b.head + b.maxEntries - b.count) % b.maxEntries
		stats.OldestCaptureMs = uint64(b.adjTsMs[tailIdx])
	}
	return stats
}

// CapacityBytes returns the RAM held for payloads plus metadata at full depth.
func (b *Buffer) CapacityBytes() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxEntries * (b.payloadSize + MetaStorageBytes)
}

// MaxEntries returns the configured capacity in entries.
func (b *Buffer) MaxEntries() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxEntries
}

// PayloadSize returns the configured per-entry payload size.
func (b *Buffer) PayloadSize() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloadSize
}
