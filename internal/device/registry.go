package device

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"sensorbus/internal/model"
)

// StatusChangeFn is called when a device comes online or goes offline.
// isNew is true the first time the device is identified.
type StatusChangeFn func(d *Device, isOnline bool, isNew bool)

// DataChangeFn is called when a device accepts a new sample.
type DataChangeFn func(d *Device, sample []byte, timeNowUs uint64)

type dataChangeRec struct {
	match        string // device ID or type name; empty matches all
	cb           DataChangeFn
	minBetweenMs uint32
}

// Registry owns the live device records, keyed by bus-scoped unique ID.
// Iteration happens over snapshots taken under a short-held mutex so
// callback code never mutates the list under a walker's feet.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device

	statusCBs []StatusChangeFn
	dataCBs   []dataChangeRec

	// lastReportMs throttles data-change callbacks, keyed by callback
	// index and device ID.
	lastReportMs map[string]uint64
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:      make(map[string]*Device),
		lastReportMs: make(map[string]uint64),
	}
}

// Register adds a device record.
func (r *Registry) Register(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID()] = d
}

// Remove deletes a device record by ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Get returns a device by its bus-scoped ID.
func (r *Registry) Get(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id]
}

// GetByAddr returns the device for a bus/address pair.
func (r *Registry) GetByAddr(bus string, addr model.Addr) *Device {
	return r.Get(DeviceID(bus, addr))
}

// Snapshot copies the current device pointers. Callers iterate the copy
// without holding the registry mutex.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// SnapshotBus copies the devices on one bus (empty name matches all).
func (r *Registry) SnapshotBus(bus string) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if bus == "" || strings.EqualFold(d.Bus, bus) {
			out = append(out, d)
		}
	}
	return out
}

// OnStatusChange registers a callback for online/offline transitions.
func (r *Registry) OnStatusChange(cb StatusChangeFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCBs = append(r.statusCBs, cb)
}

// OnDataChange registers a data callback for devices whose ID or type name
// matches (empty match = all devices), throttled to one report per
// minBetweenMs.
func (r *Registry) OnDataChange(match string, minBetweenMs uint32, cb DataChangeFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataCBs = append(r.dataCBs, dataChangeRec{match: match, cb: cb, minBetweenMs: minBetweenMs})
	log.Printf("registry: data change registration for %q minTime %dms", match, minBetweenMs)
}

// NotifyStatus runs the status-change callbacks for a device transition.
// The caller suppresses this for spurious records.
func (r *Registry) NotifyStatus(d *Device, isOnline, isNew bool) {
	r.mu.Lock()
	cbs := make([]StatusChangeFn, len(r.statusCBs))
	copy(cbs, r.statusCBs)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(d, isOnline, isNew)
	}
}

// NotifyData runs matching data-change callbacks for an accepted sample,
// honouring each registration's report throttle.
func (r *Registry) NotifyData(d *Device, sample []byte, timeNowUs uint64) {
	type due struct {
		cb DataChangeFn
	}
	timeNowMs := timeNowUs / 1000

	r.mu.Lock()
	var fire []due
	for i, rec := range r.dataCBs {
		if rec.match != "" && !strings.EqualFold(rec.match, d.ID()) && !strings.EqualFold(rec.match, d.TypeName) {
			continue
		}
		key := fmt.Sprintf("%d|%s", i, d.ID())
		if rec.minBetweenMs > 0 {
			if last, ok := r.lastReportMs[key]; ok && timeNowMs-last < uint64(rec.minBetweenMs) {
				continue
			}
		}
		r.lastReportMs[key] = timeNowMs
		fire = append(fire, due{cb: rec.cb})
	}
	r.mu.Unlock()

	for _, f := range fire {
		f.cb(d, sample, timeNowUs)
	}
}

// StatusJSON renders the status array for all devices on a bus:
// [{"a":"0xHHHH","s":"OWN"},...]
func (r *Registry) StatusJSON(bus string) string {
	devices := r.SnapshotBus(bus)
	var sb strings.Builder
	sb.WriteByte('[')
	for i, d := range devices {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(d.Status.JSON())
	}
	sb.WriteByte(']')
	return sb.String()
}

// StateHash XOR-folds each bus's last ident-poll timestamp and each
// device's last data timestamp into two bytes. The publish layer compares
// successive hashes to detect that new data is available.
func (r *Registry) StateHash(busIdentMs []uint32) [2]byte {
	var h [2]byte
	for _, ms := range busIdentMs {
		h[0] ^= byte(ms)
		h[1] ^= byte(ms >> 8)
	}
	for _, d := range r.Snapshot() {
		ms := d.LastDataMs()
		h[0] ^= byte(ms)
		h[1] ^= byte(ms >> 8)
	}
	return h
}
