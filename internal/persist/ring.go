package persist

import (
	"errors"
	"log"
	"runtime"
	"sync"

	"sensorbus/internal/ring"
)

var (
	// ErrNotReady is returned when the ring has no valid configuration.
	ErrNotReady = errors.New("persistent ring not configured")
	// ErrInvalidConfig is returned for unusable configure parameters.
	ErrInvalidConfig = errors.New("invalid persistent ring config")
	// ErrPayloadSizeMismatch is returned when a batch payload size does
	// not match the stored schema.
	ErrPayloadSizeMismatch = errors.New("payload size mismatch")

	errWriteFailed = errors.New("blob write failed")
)

// importYieldEvery bounds how many records an import walks before handing
// the scheduler back to other goroutines.
const importYieldEvery = 512

// Ring is a persistent ring of poll-result records over a segmented blob
// store. Records are grouped into fixed-size segments; metadata is saved
// after segment writes so a crash rolls back to the previous batch.
type Ring struct {
	mu sync.Mutex

	namespace string
	store     BlobStore
	meta      meta
	metaValid bool
	ready     bool

	effectiveMaxEntries uint32
}

// Configure binds the ring to a namespace-scoped store and validates or
// initialises the stored metadata. A schema mismatch erases the store and
// re-initialises it: refusing to record after an OTA layout change would
// be worse than losing the backlog.
func (r *Ring) Configure(namespace string, store BlobStore, payloadSize, tsBytes, tsResUs, maxEntries uint32) error {
	if store == nil || namespace == "" || payloadSize == 0 || maxEntries == 0 {
		return ErrInvalidConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.namespace = namespace
	r.store = store

	if !r.loadMetaLocked() {
		r.meta.reset(payloadSize, tsBytes, tsResUs, maxEntries)
		if r.meta.RecordsPerSegment == 0 {
			return ErrInvalidConfig
		}
		if err := r.saveMetaLocked(); err != nil {
			return err
		}
	} else if !r.meta.compatible(payloadSize, tsBytes, tsResUs) {
		log.Printf("persist: meta mismatch ns %s payload %d tsBytes %d tsResUs %d, erasing",
			namespace, payloadSize, tsBytes, tsResUs)
		if err := r.store.EraseAll(); err != nil {
			return err
		}
		r.meta.reset(payloadSize, tsBytes, tsResUs, maxEntries)
		if r.meta.RecordsPerSegment == 0 {
			return ErrInvalidConfig
		}
		if err := r.saveMetaLocked(); err != nil {
			return err
		}
	}

	r.ready = true
	r.metaValid = true
	r.effectiveMaxEntries = r.meta.MaxEntries
	return nil
}

// SetEffectiveMaxEntries lowers the retained-entry cap below the stored
// maxEntries (to track the RAM budget). Zero or an over-large value
// restores the stored cap. Excess entries are dropped immediately.
func (r *Ring) SetEffectiveMaxEntries(maxEntries uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.metaValid {
		return
	}
	if maxEntries == 0 || maxEntries > r.meta.MaxEntries {
		r.effectiveMaxEntries = r.meta.MaxEntries
	} else {
		r.effectiveMaxEntries = maxEntries
	}
	if r.meta.Count > r.effectiveMaxEntries {
		r.meta.Drops += r.meta.Count - r.effectiveMaxEntries
		r.meta.Count = r.effectiveMaxEntries
		if err := r.saveMetaLocked(); err != nil {
			log.Printf("persist: save meta after cap change ns %s: %v", r.namespace, err)
		}
	}
}

// AppendBatch appends count records (payloads concatenated, one adjusted
// timestamp each, sequences firstSeq..). Already-stored sequences are
// skipped; a gap ahead of nextSeq resets the store so forward progress is
// never blocked by lost entries. Returns the last stored sequence.
func (r *Ring) AppendBatch(payloads []byte, adjTsMs []uint32, firstSeq, count uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready || !r.metaValid {
		return 0, ErrNotReady
	}
	if count == 0 || uint32(len(adjTsMs)) < count {
		return 0, ErrInvalidConfig
	}
	if uint32(len(payloads)) < count*r.meta.PayloadSize {
		return 0, ErrPayloadSizeMismatch
	}
	effectiveMax := r.effectiveMaxEntries
	if effectiveMax == 0 {
		effectiveMax = r.meta.MaxEntries
	}
	if effectiveMax == 0 {
		return 0, ErrNotReady
	}

	if r.meta.Count == 0 {
		r.meta.NextSeq = firstSeq
	} else if firstSeq > r.meta.NextSeq {
		log.Printf("persist: seq gap ns %s nextSeq %d firstSeq %d, resetting",
			r.namespace, r.meta.NextSeq, firstSeq)
		if err := r.store.EraseAll(); err != nil {
			return 0, err
		}
		r.meta.reset(r.meta.PayloadSize, r.meta.TimestampBytes, r.meta.TimestampResolutionUs, r.meta.MaxEntries)
		if err := r.saveMetaLocked(); err != nil {
			return 0, err
		}
		r.meta.NextSeq = firstSeq
	}

	skip := uint32(0)
	if firstSeq < r.meta.NextSeq {
		diff := r.meta.NextSeq - firstSeq
		if diff >= count {
			if r.meta.NextSeq > 0 {
				return r.meta.NextSeq - 1, nil
			}
			return 0, nil
		}
		skip = diff
	}

	// A failed write rolls the in-memory state back, so a retry of the same
	// batch is written rather than reported as already stored.
	saved := r.meta

	recordSize := r.meta.RecordSize
	segBuf := make([]byte, r.meta.RecordsPerSegment*recordSize)
	currentSegIdx := uint32(0)
	segLoaded := false
	segDirty := false
	lastSeq := uint32(0)

	flushSeg := func() error {
		if !segLoaded || !segDirty {
			return nil
		}
		segDirty = false
		return r.store.SetBlob(segmentKey(currentSegIdx), segBuf)
	}

	for ii := skip; ii < count; ii++ {
		seq := firstSeq + ii
		writeIdx := r.meta.Head
		segIdx := writeIdx / r.meta.RecordsPerSegment
		segOffset := (writeIdx % r.meta.RecordsPerSegment) * recordSize

		if !segLoaded || segIdx != currentSegIdx {
			if err := flushSeg(); err != nil {
				r.meta = saved
				return lastSeq, err
			}
			currentSegIdx = segIdx
			segLoaded = true
			if data, found, err := r.store.GetBlob(segmentKey(segIdx)); err == nil && found && len(data) == len(segBuf) {
				copy(segBuf, data)
			} else {
				for i := range segBuf {
					segBuf[i] = 0
				}
			}
		}

		// Record layout: LE adjusted timestamp, then payload
		rec := segBuf[segOffset : segOffset+recordSize]
		rec[0] = byte(adjTsMs[ii])
		rec[1] = byte(adjTsMs[ii] >> 8)
		rec[2] = byte(adjTsMs[ii] >> 16)
		rec[3] = byte(adjTsMs[ii] >> 24)
		copy(rec[4:], payloads[ii*r.meta.PayloadSize:(ii+1)*r.meta.PayloadSize])
		segDirty = true

		r.meta.Head = (r.meta.Head + 1) % r.meta.MaxEntries
		if r.meta.Count < effectiveMax {
			r.meta.Count++
		} else {
			r.meta.Drops++
		}
		r.meta.NextSeq = seq + 1
		lastSeq = seq
	}

	if err := flushSeg(); err != nil {
		r.meta = saved
		return lastSeq, err
	}
	if err := r.saveMetaLocked(); err != nil {
		r.meta = saved
		return lastSeq, err
	}
	return lastSeq, nil
}

// ImportTo replays records with sequence beyond the import watermark into
// a RAM ring, oldest first, up to min(available, dest capacity,
// importMaxEntries). The watermark advances to the last imported sequence
// so a later import never replays the same records. Yields periodically
// so the event loop is not starved by a long replay.
func (r *Ring) ImportTo(dest *ring.Buffer, importMaxEntries uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready || !r.metaValid {
		return 0, ErrNotReady
	}
	nextSeq := r.meta.NextSeq
	if r.meta.Count == 0 {
		return nextSeq, nil
	}

	firstSeqInStore := uint32(0)
	if r.meta.NextSeq >= r.meta.Count {
		firstSeqInStore = r.meta.NextSeq - r.meta.Count
	}
	startSeq := r.meta.ImportSeq + 1
	if startSeq < firstSeqInStore {
		startSeq = firstSeqInStore
	}
	if startSeq >= r.meta.NextSeq {
		return nextSeq, nil
	}

	maxEntries := dest.MaxEntries()
	if importMaxEntries > 0 && importMaxEntries < maxEntries {
		maxEntries = importMaxEntries
	}
	if maxEntries == 0 {
		return nextSeq, nil
	}
	available := r.meta.NextSeq - startSeq
	importCount := available
	if importCount > maxEntries {
		importCount = maxEntries
	}

	recordSize := r.meta.RecordSize
	segBuf := make([]byte, r.meta.RecordsPerSegment*recordSize)
	record := make([]byte, r.meta.PayloadSize)

	tail := (r.meta.Head + r.meta.MaxEntries - r.meta.Count) % r.meta.MaxEntries
	startIdx := (tail + (startSeq - firstSeqInStore)) % r.meta.MaxEntries

	segLoaded := false
	currentSegIdx := uint32(0)
	for ii := uint32(0); ii < importCount; ii++ {
		recordIdx := (startIdx + ii) % r.meta.MaxEntries
		segIdx := recordIdx / r.meta.RecordsPerSegment
		segOffset := (recordIdx % r.meta.RecordsPerSegment) * recordSize

		if !segLoaded || segIdx != currentSegIdx {
			currentSegIdx = segIdx
			segLoaded = true
			data, found, err := r.store.GetBlob(segmentKey(segIdx))
			if err != nil {
				return nextSeq, err
			}
			if !found || len(data) != len(segBuf) {
				return nextSeq, errWriteFailed
			}
			copy(segBuf, data)
		}

		rec := segBuf[segOffset : segOffset+recordSize]
		adjTsMs := uint32(rec[0]) | uint32(rec[1])<<8 | uint32(rec[2])<<16 | uint32(rec[3])<<24
		copy(record, rec[4:4+r.meta.PayloadSize])

		// Only the first entry seeds the destination's timestamp base;
		// later entries ride the wrap tracking.
		timeNowUs := uint64(0)
		if ii == 0 {
			timeNowUs = uint64(adjTsMs) * 1000
		}
		dest.Put(timeNowUs, startSeq+ii, record)

		if ii%importYieldEvery == 0 {
			runtime.Gosched()
		}
	}

	r.meta.ImportSeq = startSeq + importCount - 1
	if err := r.saveMetaLocked(); err != nil {
		return nextSeq, err
	}
	return nextSeq, nil
}

// Clear erases all keys and invalidates the ring until reconfigured.
func (r *Ring) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.store != nil {
		err = r.store.EraseAll()
	}
	r.metaValid = false
	r.ready = false
	return err
}

// Ready reports whether the ring is configured with valid metadata.
func (r *Ring) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready && r.metaValid
}

// Count returns the number of retained records.
func (r *Ring) Count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.metaValid {
		return 0
	}
	return r.meta.Count
}

// NextSeq returns the sequence number the next appended record will take.
func (r *Ring) NextSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.metaValid {
		return 0
	}
	return r.meta.NextSeq
}

// Drops returns the count of records lost to the ring cap.
func (r *Ring) Drops() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.metaValid {
		return 0
	}
	return r.meta.Drops
}

// ImportSeq returns the current import watermark.
func (r *Ring) ImportSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.metaValid {
		return 0
	}
	return r.meta.ImportSeq
}

func (r *Ring) loadMetaLocked() bool {
	data, found, err := r.store.GetBlob(metaKey)
	if err != nil || !found {
		r.metaValid = false
		return false
	}
	r.metaValid = r.meta.decode(data)
	return r.metaValid
}

func (r *Ring) saveMetaLocked() error {
	if err := r.store.SetBlob(metaKey, r.meta.encode()); err != nil {
		log.Printf("persist: save meta fail ns %s: %v", r.namespace, err)
		return err
	}
	return nil
}
