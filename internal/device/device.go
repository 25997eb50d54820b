package device

import (
	"fmt"
	"log"
	"sync"

	"sensorbus/internal/model"
	"sensorbus/internal/persist"
	"sensorbus/internal/poll"
	"sensorbus/internal/ring"
	"sensorbus/internal/status"
)

// Device is the per-device pipeline: liveness status, poll scheduling,
// the RAM offline ring and (optionally) a persistent mirror, plus the
// aggregator hook for the live publish path.
type Device struct {
	Bus       string
	Addr      model.Addr
	TypeIndex uint16
	TypeName  string

	Status *status.AddrStatus
	Sched  *poll.Scheduler

	offline    ring.Buffer
	persistent *persist.Ring
	aggregator model.Aggregator

	mu           sync.Mutex
	offlineSeq   uint32
	bufferPaused bool
	drainPaused  bool
	lastDataMs   uint32
}

// NewDevice builds a device record for a newly identified address. st is
// the bus loop's liveness record for the address; nil creates a fresh one.
func NewDevice(bus string, addr model.Addr, typeIndex uint16, typeName string, spec model.PollSpec, agg model.Aggregator, st *status.AddrStatus) *Device {
	if st == nil {
		st = status.New(addr)
	}
	d := &Device{
		Bus:        bus,
		Addr:       addr,
		TypeIndex:  typeIndex,
		TypeName:   typeName,
		Status:     st,
		Sched:      poll.NewScheduler(spec.PollIntervalUs, spec.Reqs),
		aggregator: agg,
	}
	d.Status.IsNewlyIdentified = true
	if spec.OfflineMaxEntries > 0 && spec.PayloadSize > 0 {
		d.offline.Init(spec.OfflineMaxEntries, spec.PayloadSize, spec.TimestampBytes, spec.TimestampResolutionUs)
	}
	return d
}

// ID returns the bus-scoped unique identifier for this device.
func (d *Device) ID() string {
	return DeviceID(d.Bus, d.Addr)
}

// DeviceID forms the bus-scoped unique identifier for an address.
func DeviceID(bus string, addr model.Addr) string {
	return fmt.Sprintf("%s@0x%X", bus, uint32(addr))
}

// AttachPersistent mirrors accepted samples into a persistent ring.
func (d *Device) AttachPersistent(store persist.BlobStore, maxEntries uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pr := &persist.Ring{}
	stats := d.offline.Stats()
	if err := pr.Configure(d.ID(), store, stats.PayloadSize, stats.TimestampBytes, stats.TimestampResolutionUs, maxEntries); err != nil {
		return err
	}
	d.persistent = pr
	return nil
}

// Persistent returns the persistent ring, or nil if not attached.
func (d *Device) Persistent() *persist.Ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persistent
}

// ConfigureOffline reinitialises the RAM ring. The paused flags survive
// reconfiguration so it cannot accidentally resume buffering.
func (d *Device) ConfigureOffline(maxEntries, payloadSize, tsBytes, tsResUs uint32) {
	d.offline.Init(maxEntries, payloadSize, tsBytes, tsResUs)
}

// StorePollResults feeds one poll result into the pipeline. A non-zero
// nextReqIdx accumulates a fragment; the closing call assembles the sample,
// hands it to the aggregator and buffers it unless buffering is paused.
// Returns the assembled sample (nil mid-poll) and the aggregator's accept
// status.
func (d *Device) StorePollResults(nextReqIdx uint32, timeNowUs uint64, result []byte, pauseAfterSendMs uint32) ([]byte, bool) {
	sample, done := d.Sched.Store(nextReqIdx, result, pauseAfterSendMs)
	if !done {
		return nil, true
	}

	aggOk := true
	if d.aggregator != nil {
		aggOk = d.aggregator.Put(timeNowUs, d.Addr, sample)
	}

	d.mu.Lock()
	seq := d.offlineSeq
	d.offlineSeq++
	paused := d.bufferPaused
	pr := d.persistent
	d.lastDataMs = uint32(timeNowUs / 1000)
	d.mu.Unlock()

	if d.offline.IsConfigured() && !paused {
		adjTsMs, ok := d.offline.Put(timeNowUs, seq, sample)
		if ok && pr != nil && pr.Ready() {
			if _, err := pr.AppendBatch(sample, []uint32{adjTsMs}, seq, 1); err != nil {
				log.Printf("device %s: persistent append seq %d: %v", d.ID(), seq, err)
			}
		}
	}
	return sample, aggOk
}

// Drain consumes up to maxResponses entries (maxBytes capped) from the
// offline buffer for publishing. Returns nothing while draining is paused.
func (d *Device) Drain(maxResponses, maxBytes uint32) ([]byte, []model.OfflineMeta) {
	d.mu.Lock()
	paused := d.drainPaused
	d.mu.Unlock()
	if paused || !d.offline.IsConfigured() {
		return nil, nil
	}
	return d.offline.Get(maxResponses, maxBytes, 0, true)
}

// PeekOffline reads entries without consuming them.
func (d *Device) PeekOffline(startIdx, maxResponses, maxBytes uint32) ([]byte, []model.OfflineMeta) {
	if !d.offline.IsConfigured() {
		return nil, nil
	}
	return d.offline.Get(maxResponses, maxBytes, startIdx, false)
}

// ConsumeOffline pops up to n entries without returning them.
func (d *Device) ConsumeOffline(n uint32) bool {
	return d.offline.Consume(n)
}

// OfflineStats returns the RAM ring stats snapshot.
func (d *Device) OfflineStats() model.OfflineStats {
	return d.offline.Stats()
}

// ClearOfflineBuffer empties the RAM ring, resets the sequence counter and
// wipes the persistent mirror if one is attached.
func (d *Device) ClearOfflineBuffer() {
	d.offline.Clear()
	d.mu.Lock()
	d.offlineSeq = 0
	pr := d.persistent
	d.mu.Unlock()
	if pr != nil {
		if err := pr.Clear(); err != nil {
			log.Printf("device %s: clear persistent: %v", d.ID(), err)
		}
	}
}

// ImportFromPersist replays persisted records newer than the import
// watermark into the RAM ring and aligns the sequence counter.
func (d *Device) ImportFromPersist(maxEntries uint32) error {
	d.mu.Lock()
	pr := d.persistent
	d.mu.Unlock()
	if pr == nil || !pr.Ready() {
		return nil
	}
	nextSeq, err := pr.ImportTo(&d.offline, maxEntries)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if nextSeq > d.offlineSeq {
		d.offlineSeq = nextSeq
	}
	d.mu.Unlock()
	return nil
}

// SetBufferPaused pauses or resumes capture into the offline buffer.
func (d *Device) SetBufferPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufferPaused = paused
}

// BufferPaused reports the capture pause flag.
func (d *Device) BufferPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferPaused
}

// SetDrainPaused pauses or resumes draining to the publish path.
func (d *Device) SetDrainPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drainPaused = paused
}

// DrainPaused reports the drain pause flag.
func (d *Device) DrainPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drainPaused
}

// SetOfflineSeq aligns the sequence counter (used after replay).
func (d *Device) SetOfflineSeq(nextSeq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offlineSeq = nextSeq
}

// OfflineSeq returns the next sequence number to be assigned.
func (d *Device) OfflineSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offlineSeq
}

// LastDataMs returns the wall-clock ms of the last accepted sample.
func (d *Device) LastDataMs() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDataMs
}

// SetEffectiveMaxEntries resizes the RAM ring to cap entries (rebalance)
// and lowers the persistent cap to match. Buffered RAM entries are lost on
// resize; the persistent ring retains what fits the new cap.
func (d *Device) SetEffectiveMaxEntries(maxEntries uint32) {
	stats := d.offline.Stats()
	if stats.PayloadSize == 0 || maxEntries == 0 || maxEntries == stats.MaxEntries {
		if d.Persistent() != nil {
			d.Persistent().SetEffectiveMaxEntries(maxEntries)
		}
		return
	}
	d.offline.Init(maxEntries, stats.PayloadSize, stats.TimestampBytes, stats.TimestampResolutionUs)
	if pr := d.Persistent(); pr != nil {
		pr.SetEffectiveMaxEntries(maxEntries)
	}
}

// EstAlloc returns the buffer allocation estimate for this device without
// touching any storage.
func (d *Device) EstAlloc() model.EstAllocInfo {
	stats := d.offline.Stats()
	bytesPerEntry := stats.PayloadSize + stats.MetaSize
	return model.EstAllocInfo{
		AllocBytes:    stats.MaxEntries * bytesPerEntry,
		BytesPerEntry: bytesPerEntry,
		PayloadSize:   stats.PayloadSize,
		MetaSize:      stats.MetaSize,
	}
}
