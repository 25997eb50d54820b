package device

import (
	"log"
	"sync"
	"time"

	"sensorbus/internal/model"
	"sensorbus/internal/persist"
	"sensorbus/internal/status"
)

// NamespaceProvider hands out namespace-scoped blob stores for persistent
// offline mirrors. *persist.BoltStore satisfies it.
type NamespaceProvider interface {
	Namespace(name string) persist.BlobStore
}

// LoopOptions configures a bus loop.
type LoopOptions struct {
	Interval   time.Duration
	OkMax      int
	FailMax    int
	Persist    NamespaceProvider // nil disables persistent mirrors
	Aggregator model.Aggregator
}

// Loop drives one bus: it scans for addresses, runs the liveness
// hysteresis, issues due poll requests through the transport and feeds
// results into the device pipeline. One goroutine per bus.
type Loop struct {
	busName   string
	transport model.BusTransport
	reg       *Registry
	types     model.TypeRegistry
	opts      LoopOptions

	mu         sync.Mutex
	addrStatus map[model.Addr]*status.AddrStatus

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLoop creates a bus loop.
func NewLoop(busName string, transport model.BusTransport, reg *Registry, types model.TypeRegistry, opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.OkMax <= 0 {
		opts.OkMax = status.DefaultOkMax
	}
	if opts.FailMax <= 0 {
		opts.FailMax = status.DefaultFailMax
	}
	return &Loop{
		busName:    busName,
		transport:  transport,
		reg:        reg,
		types:      types,
		opts:       opts,
		addrStatus: make(map[model.Addr]*status.AddrStatus),
		done:       make(chan struct{}),
	}
}

// Name returns the bus name.
func (l *Loop) Name() string { return l.busName }

// SetAggregator installs the live publish hook. Must be called before
// Start; devices created by the loop capture it.
func (l *Loop) SetAggregator(agg model.Aggregator) { l.opts.Aggregator = agg }

// Transport returns the bus transport (used by the raw-command API).
func (l *Loop) Transport() model.BusTransport { return l.transport }

// LastIdentPollMs returns the transport's last ident poll timestamp.
func (l *Loop) LastIdentPollMs() uint32 { return l.transport.LastIdentPollMs() }

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Tick(uint64(time.Now().UnixMicro()))
			case <-l.done:
				return
			}
		}
	}()
	log.Printf("bus %s: loop started, interval %s", l.busName, l.opts.Interval)
}

// Stop shuts the loop down and waits for it to exit.
func (l *Loop) Stop() {
	close(l.done)
	l.wg.Wait()
	log.Printf("bus %s: loop stopped", l.busName)
}

// Tick runs one scheduling pass. The time is a parameter to aid testing.
func (l *Loop) Tick(timeNowUs uint64) {
	l.sweepFlagged()

	present := make(map[model.Addr]bool)
	for _, addr := range l.transport.Scan() {
		present[addr] = true
		l.mu.Lock()
		if _, ok := l.addrStatus[addr]; !ok {
			l.addrStatus[addr] = status.New(addr)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	records := make(map[model.Addr]*status.AddrStatus, len(l.addrStatus))
	for addr, st := range l.addrStatus {
		records[addr] = st
	}
	l.mu.Unlock()

	for addr, st := range records {
		responding, attempted := present[addr], false
		dev := l.reg.GetByAddr(l.busName, addr)

		if dev == nil {
			// Not yet identified: liveness follows scan visibility.
			attempted = true
		} else if responding {
			if info, due := dev.Sched.Pending(timeNowUs); due {
				attempted = true
				req := info.Reqs[info.NextReqIdx]
				res, err := l.transport.Poll(addr, req)
				if err != nil {
					responding = false
				} else {
					nextIdx := (info.NextReqIdx + 1) % uint32(len(info.Reqs))
					sample, _ := dev.StorePollResults(nextIdx, res.CaptureTimeUs, res.Payload, req.PauseAfterSendMs)
					if sample != nil {
						l.reg.NotifyData(dev, sample, res.CaptureTimeUs)
					}
				}
			}
		} else {
			// Visible set lost the address; count it down.
			attempted = true
		}

		if !attempted {
			continue
		}
		changed, spurious := st.Observe(responding, l.opts.OkMax, l.opts.FailMax)
		if changed {
			l.handleTransition(addr, st, spurious)
		}
	}
}

// handleTransition reacts to an online/offline transition of an address.
func (l *Loop) handleTransition(addr model.Addr, st *status.AddrStatus, spurious bool) {
	if st.IsOnline {
		dev := l.reg.GetByAddr(l.busName, addr)
		newlyCreated := false
		if dev == nil {
			typeIndex, ok := l.transport.Identify(addr)
			if !ok {
				return
			}
			spec, ok := l.types.PollSpec(typeIndex)
			if !ok {
				log.Printf("bus %s: addr 0x%X type %d has no poll spec", l.busName, uint32(addr), typeIndex)
				return
			}
			typeName, _ := l.types.TypeName(typeIndex)
			dev = NewDevice(l.busName, addr, typeIndex, typeName, spec, l.opts.Aggregator, st)
			if l.opts.Persist != nil && spec.OfflineMaxEntries > 0 {
				ns := l.opts.Persist.Namespace(dev.ID())
				if err := dev.AttachPersistent(ns, spec.OfflineMaxEntries); err != nil {
					log.Printf("bus %s: attach persistent for %s: %v", l.busName, dev.ID(), err)
				} else if err := dev.ImportFromPersist(0); err != nil {
					log.Printf("bus %s: import persisted backlog for %s: %v", l.busName, dev.ID(), err)
				}
			}
			l.reg.Register(dev)
			newlyCreated = true
			log.Printf("bus %s: new device %s type %s", l.busName, dev.ID(), dev.TypeName)
		}
		l.reg.NotifyStatus(dev, true, newlyCreated)
		st.IsNewlyIdentified = false
		return
	}

	// Offline: report first (unless spurious), then let the sweep on the
	// next pass remove the flagged record. The device itself is removed
	// now; it will be re-identified if it reconnects.
	dev := l.reg.GetByAddr(l.busName, addr)
	if dev != nil {
		if !spurious {
			l.reg.NotifyStatus(dev, false, false)
		}
		log.Printf("bus %s: device %s offline, removing", l.busName, dev.ID())
		l.reg.Remove(dev.ID())
	}
}

// sweepFlagged deletes address records whose offline transition has been
// reported. Runs at the start of a pass so callbacks issued during the
// previous pass saw the record intact.
func (l *Loop) sweepFlagged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, st := range l.addrStatus {
		if st.FlagForDeletion {
			delete(l.addrStatus, addr)
		}
	}
}

// AddrCount returns the number of tracked address records.
func (l *Loop) AddrCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addrStatus)
}
