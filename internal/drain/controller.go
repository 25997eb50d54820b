package drain

import (
	"log"
	"strings"
	"sync"

	"sensorbus/internal/device"
	"sensorbus/internal/model"
)

// ControlSnapshot is a copy of the controller state for status reporting.
type ControlSnapshot struct {
	BufferPaused      []model.Addr
	DrainPaused       []model.Addr
	SelectedAddrs     []model.Addr
	SelectedTypes     []string
	DrainOnlySelected bool
	MaxPerPublishOvr  uint32
	GlobalBufPaused   bool
	GlobalDrainPaused bool
	LinkPaused        bool
	RateOverridesUs   map[model.Addr]uint32
}

// Controller owns the drain/publish selection policy: which devices may
// drain, how much per publish batch, pause flags at global, link and
// per-address scope, poll rate overrides and the RAM budget rebalance.
type Controller struct {
	mu  sync.Mutex
	reg *device.Registry

	ramBudgetBytes      uint32
	maxPerPublishGlobal uint32
	maxPerPublishOvr    uint32

	drainOnlySelected bool
	selectedAddrs     map[model.Addr]bool
	selectedTypes     map[string]bool // lowercased

	globalBufferPaused bool
	globalDrainPaused  bool
	linkPaused         bool

	perAddrBufferPaused map[model.Addr]bool
	perAddrDrainPaused  map[model.Addr]bool
	rateOverridesUs     map[model.Addr]uint32

	autoResume       bool
	autoResumeAddrs  []model.Addr
	autoResumeRateMs uint32
}

// NewController creates a drain controller over a registry.
func NewController(reg *device.Registry, ramBudgetBytes, maxPerPublish uint32) *Controller {
	return &Controller{
		reg:                 reg,
		ramBudgetBytes:      ramBudgetBytes,
		maxPerPublishGlobal: maxPerPublish,
		selectedAddrs:       make(map[model.Addr]bool),
		selectedTypes:       make(map[string]bool),
		perAddrBufferPaused: make(map[model.Addr]bool),
		perAddrDrainPaused:  make(map[model.Addr]bool),
		rateOverridesUs:     make(map[model.Addr]uint32),
	}
}

// MaxPerPublish returns the batch cap currently in effect.
func (c *Controller) MaxPerPublish() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxPerPublishOvr > 0 {
		return c.maxPerPublishOvr
	}
	return c.maxPerPublishGlobal
}

// SetMaxPerPublishOverride overrides the global batch cap (0 clears).
func (c *Controller) SetMaxPerPublishOverride(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxPerPublishOvr = n
}

// SetDrainSelection records which addresses and type names are selected
// for draining. With drainOnlySelected set, unselected devices are
// treated as drain-paused.
func (c *Controller) SetDrainSelection(addrs []model.Addr, typeNames []string, drainOnlySelected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedAddrs = make(map[model.Addr]bool)
	for _, a := range addrs {
		c.selectedAddrs[a] = true
	}
	c.selectedTypes = make(map[string]bool)
	for _, t := range typeNames {
		c.selectedTypes[strings.ToLower(t)] = true
	}
	c.drainOnlySelected = drainOnlySelected
}

// SetBufferPaused pauses or resumes sample capture. An empty address list
// sets the global flag; otherwise per-address flags are set and pushed
// into the device records on the named bus (empty bus = all).
func (c *Controller) SetBufferPaused(bus string, addrs []model.Addr, paused bool) {
	c.mu.Lock()
	if len(addrs) == 0 {
		c.globalBufferPaused = paused
	} else {
		for _, a := range addrs {
			if paused {
				c.perAddrBufferPaused[a] = true
			} else {
				delete(c.perAddrBufferPaused, a)
			}
		}
	}
	c.mu.Unlock()

	addrSet := addrSetOf(addrs)
	for _, d := range c.reg.SnapshotBus(bus) {
		if len(addrs) == 0 || addrSet[d.Addr] {
			d.SetBufferPaused(c.effectiveBufferPaused(d.Addr))
		}
	}
}

// SetDrainPaused pauses or resumes draining, with the same global /
// per-address scoping as SetBufferPaused.
func (c *Controller) SetDrainPaused(bus string, addrs []model.Addr, paused bool) {
	c.mu.Lock()
	if len(addrs) == 0 {
		c.globalDrainPaused = paused
	} else {
		for _, a := range addrs {
			if paused {
				c.perAddrDrainPaused[a] = true
			} else {
				delete(c.perAddrDrainPaused, a)
			}
		}
	}
	c.mu.Unlock()

	addrSet := addrSetOf(addrs)
	for _, d := range c.reg.SnapshotBus(bus) {
		if len(addrs) == 0 || addrSet[d.Addr] {
			d.SetDrainPaused(c.effectiveAddrDrainPaused(d.Addr))
		}
	}
}

// SetLinkPaused gates draining on upstream link availability. When the
// link returns and auto-resume is armed, the recorded selection resumes
// buffering and its rate override is re-applied.
func (c *Controller) SetLinkPaused(paused bool) {
	c.mu.Lock()
	if c.linkPaused == paused {
		c.mu.Unlock()
		return
	}
	c.linkPaused = paused
	resume := !paused && c.autoResume
	addrs := make([]model.Addr, len(c.autoResumeAddrs))
	copy(addrs, c.autoResumeAddrs)
	rateMs := c.autoResumeRateMs
	c.mu.Unlock()

	log.Printf("drain: link paused %v", paused)
	if resume {
		c.SetBufferPaused("", addrs, false)
		if rateMs > 0 {
			c.ApplyRateOverride("", addrs, rateMs)
		}
	}
}

// SetAutoResume arms or disarms resumption of the recorded selection when
// the link comes back.
func (c *Controller) SetAutoResume(enabled bool, addrs []model.Addr, rateOverrideMs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoResume = enabled
	c.autoResumeAddrs = make([]model.Addr, len(addrs))
	copy(c.autoResumeAddrs, addrs)
	c.autoResumeRateMs = rateOverrideMs
}

// ApplyRateOverride replaces the poll interval of the named devices.
func (c *Controller) ApplyRateOverride(bus string, addrs []model.Addr, rateMs uint32) {
	if rateMs == 0 {
		return
	}
	c.mu.Lock()
	for _, a := range addrs {
		c.rateOverridesUs[a] = rateMs * 1000
	}
	c.mu.Unlock()

	addrSet := addrSetOf(addrs)
	for _, d := range c.reg.SnapshotBus(bus) {
		if addrSet[d.Addr] {
			d.Sched.ApplyRateOverride(rateMs)
		}
	}
}

// ClearRateOverride restores the configured poll rates.
func (c *Controller) ClearRateOverride(bus string, addrs []model.Addr) {
	c.mu.Lock()
	for _, a := range addrs {
		delete(c.rateOverridesUs, a)
	}
	c.mu.Unlock()

	addrSet := addrSetOf(addrs)
	for _, d := range c.reg.SnapshotBus(bus) {
		if addrSet[d.Addr] {
			d.Sched.ClearRateOverride()
		}
	}
}

// ResetBuffers clears the offline buffers of the named devices.
func (c *Controller) ResetBuffers(bus string, addrs []model.Addr) {
	addrSet := addrSetOf(addrs)
	for _, d := range c.reg.SnapshotBus(bus) {
		if len(addrs) == 0 || addrSet[d.Addr] {
			d.ClearOfflineBuffer()
		}
	}
}

// EffectiveDrainPaused applies the full overlay for one device: global
// and link flags, the per-address flag, the device's own flag and the
// selection filter.
func (c *Controller) EffectiveDrainPaused(d *device.Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalDrainPaused || c.linkPaused || c.perAddrDrainPaused[d.Addr] {
		return true
	}
	if d.DrainPaused() {
		return true
	}
	if c.drainOnlySelected {
		if !c.selectedAddrs[d.Addr] && !c.selectedTypes[strings.ToLower(d.TypeName)] {
			return true
		}
	}
	return false
}

// EffectiveBufferPaused reports whether capture is paused for an address.
func (c *Controller) EffectiveBufferPaused(addr model.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveBufferPaused(addr)
}

func (c *Controller) effectiveBufferPaused(addr model.Addr) bool {
	return c.globalBufferPaused || c.perAddrBufferPaused[addr]
}

func (c *Controller) effectiveAddrDrainPaused(addr model.Addr) bool {
	return c.globalDrainPaused || c.perAddrDrainPaused[addr]
}

// DrainDevice drains one device's buffer under the selection policy.
func (c *Controller) DrainDevice(d *device.Device, maxResponses, maxBytes uint32) ([]byte, []model.OfflineMeta) {
	if c.EffectiveDrainPaused(d) {
		return nil, nil
	}
	return d.Drain(maxResponses, maxBytes)
}

// SelectForPublish returns the devices eligible for the next publish
// batch on a bus (empty = all buses) and the per-device cap.
func (c *Controller) SelectForPublish(bus string) ([]*device.Device, uint32) {
	var out []*device.Device
	for _, d := range c.reg.SnapshotBus(bus) {
		if !c.EffectiveDrainPaused(d) {
			out = append(out, d)
		}
	}
	return out, c.MaxPerPublish()
}

// Rebalance recomputes each selected device's effective entry cap so the
// summed buffer allocation fits the RAM budget, and propagates the caps
// into the persistent rings.
func (c *Controller) Rebalance(bus string, addrs []model.Addr) {
	addrSet := addrSetOf(addrs)
	var selected []*device.Device
	for _, d := range c.reg.SnapshotBus(bus) {
		if len(addrs) == 0 || addrSet[d.Addr] {
			selected = append(selected, d)
		}
	}
	if len(selected) == 0 {
		return
	}

	c.mu.Lock()
	budget := c.ramBudgetBytes
	c.mu.Unlock()

	share := budget / uint32(len(selected))
	for _, d := range selected {
		est := d.EstAlloc()
		if est.BytesPerEntry == 0 {
			continue
		}
		maxEntries := share / est.BytesPerEntry
		if maxEntries == 0 {
			maxEntries = 1
		}
		stats := d.OfflineStats()
		if maxEntries > stats.MaxEntries {
			maxEntries = stats.MaxEntries
		}
		d.SetEffectiveMaxEntries(maxEntries)
	}
	log.Printf("drain: rebalanced %d devices into %d bytes", len(selected), budget)
}

// EstimateAllocations reports the per-device buffer allocation estimates
// without touching any storage.
func (c *Controller) EstimateAllocations(bus string, addrs []model.Addr) map[model.Addr]model.EstAllocInfo {
	addrSet := addrSetOf(addrs)
	out := make(map[model.Addr]model.EstAllocInfo)
	for _, d := range c.reg.SnapshotBus(bus) {
		if len(addrs) == 0 || addrSet[d.Addr] {
			out[d.Addr] = d.EstAlloc()
		}
	}
	return out
}

// Snapshot copies the controller state for status rendering.
func (c *Controller) Snapshot() ControlSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ControlSnapshot{
		DrainOnlySelected: c.drainOnlySelected,
		MaxPerPublishOvr:  c.maxPerPublishOvr,
		GlobalBufPaused:   c.globalBufferPaused,
		GlobalDrainPaused: c.globalDrainPaused,
		LinkPaused:        c.linkPaused,
		RateOverridesUs:   make(map[model.Addr]uint32, len(c.rateOverridesUs)),
	}
	for a := range c.perAddrBufferPaused {
		snap.BufferPaused = append(snap.BufferPaused, a)
	}
	for a := range c.perAddrDrainPaused {
		snap.DrainPaused = append(snap.DrainPaused, a)
	}
	for a := range c.selectedAddrs {
		snap.SelectedAddrs = append(snap.SelectedAddrs, a)
	}
	for t := range c.selectedTypes {
		snap.SelectedTypes = append(snap.SelectedTypes, t)
	}
	for a, us := range c.rateOverridesUs {
		snap.RateOverridesUs[a] = us
	}
	return snap
}

func addrSetOf(addrs []model.Addr) map[model.Addr]bool {
	set := make(map[model.Addr]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	return set
}
