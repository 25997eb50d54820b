package publish

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sensorbus/internal/device"
	"sensorbus/internal/drain"
	"sensorbus/internal/model"
)

// Sink receives drained batches in addition to the publish channel (e.g.
// the archive writer). A nil Sink is ignored.
type Sink interface {
	WriteBatch(bus string, addr model.Addr, typeName string, samples []Sample) error
}

// Sample is one drained entry ready for downstream consumers.
type Sample struct {
	Seq     uint32 `json:"seq"`
	TsMs    uint64 `json:"tsMs"`
	Payload []byte `json:"-"`
	Hex     string `json:"x"`
}

type deviceBatch struct {
	Type    string   `json:"t"`
	Samples []Sample `json:"s"`
}

// Publisher periodically drains eligible devices and publishes the batch
// JSON to NATS. A batch is published only when the registry state hash
// has changed or buffered backlog remains from the previous cycle.
type Publisher struct {
	nc       *nats.Conn
	subject  string
	interval time.Duration

	reg   *device.Registry
	ctrl  *drain.Controller
	buses []*device.Loop
	sink  Sink

	mu        sync.Mutex
	lastHash  [2]byte
	hashValid bool
	remaining uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher connects to the NATS server and prepares the publish loop.
func NewPublisher(natsURL, subjectPrefix string, interval time.Duration, reg *device.Registry, ctrl *drain.Controller, buses []*device.Loop, sink Sink) (*Publisher, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", natsURL)
	return &Publisher{
		nc:       nc,
		subject:  subjectPrefix + ".devjson",
		interval: interval,
		reg:      reg,
		ctrl:     ctrl,
		buses:    buses,
		sink:     sink,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the periodic publish loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.publishCycle()
			case <-p.done:
				return
			}
		}
	}()
	log.Printf("Publisher started with interval %s on subject %s", p.interval, p.subject)
}

// Close stops the loop and drains the NATS connection.
func (p *Publisher) Close() {
	close(p.done)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}

func (p *Publisher) publishCycle() {
	busIdent := make([]uint32, 0, len(p.buses))
	for _, b := range p.buses {
		busIdent = append(busIdent, b.LastIdentPollMs())
	}
	hash := p.reg.StateHash(busIdent)

	p.mu.Lock()
	unchanged := p.hashValid && hash == p.lastHash && p.remaining == 0
	p.mu.Unlock()
	if unchanged {
		return
	}

	data, remaining := p.BuildBatch()
	p.mu.Lock()
	p.lastHash = hash
	p.hashValid = true
	p.remaining = remaining
	p.mu.Unlock()

	if data == nil {
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		log.Printf("publish: %v", err)
	}
}

// BuildBatch drains up to the controller's per-device cap from every
// eligible device and renders the batch message. Returns nil when no
// device produced data; remaining counts entries still buffered.
func (p *Publisher) BuildBatch() ([]byte, uint32) {
	msg := make(map[string]map[string]deviceBatch)
	remaining := uint32(0)
	produced := false

	for _, bus := range p.buses {
		devices, maxPerPublish := p.ctrl.SelectForPublish(bus.Name())
		busMsg := make(map[string]deviceBatch)
		for _, d := range devices {
			payloads, metas := p.ctrl.DrainDevice(d, maxPerPublish, 0)
			if len(metas) == 0 {
				continue
			}
			stats := d.OfflineStats()
			remaining += stats.Depth
			samples := SamplesFrom(payloads, metas, stats.PayloadSize, stats.TimestampResolutionUs)
			busMsg[addrKey(d.Addr)] = deviceBatch{Type: d.TypeName, Samples: samples}
			produced = true

			if p.sink != nil {
				if err := p.sink.WriteBatch(bus.Name(), d.Addr, d.TypeName, samples); err != nil {
					log.Printf("publish: archive batch for %s: %v", d.ID(), err)
				}
			}
		}
		if len(busMsg) > 0 {
			msg[bus.Name()] = busMsg
		}
	}

	if !produced {
		return nil, remaining
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("publish: marshal batch: %v", err)
		return nil, remaining
	}
	return data, remaining
}

// SamplesFrom splits concatenated payloads into per-entry samples with
// absolute millisecond timestamps.
func SamplesFrom(payloads []byte, metas []model.OfflineMeta, payloadSize, tsResUs uint32) []Sample {
	tsResMs := uint64(tsResUs / 1000)
	samples := make([]Sample, 0, len(metas))
	for i, m := range metas {
		payload := payloads[uint32(i)*payloadSize : uint32(i+1)*payloadSize]
		samples = append(samples, Sample{
			Seq:     m.Seq,
			TsMs:    m.TsBaseMs + uint64(m.Ts)*tsResMs,
			Payload: payload,
			Hex:     hex.EncodeToString(payload),
		})
	}
	return samples
}

func addrKey(addr model.Addr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}

// LiveAggregator publishes each accepted sample to the live subject as it
// arrives. It is the aggregator hook handed to the bus loops.
type LiveAggregator struct {
	nc      *nats.Conn
	subject string
}

// NewLiveAggregator creates the live publish hook over an existing
// publisher connection.
func (p *Publisher) NewLiveAggregator(subjectPrefix string) *LiveAggregator {
	return &LiveAggregator{nc: p.nc, subject: subjectPrefix + ".live"}
}

type liveSample struct {
	Addr   string `json:"a"`
	TimeUs uint64 `json:"tUs"`
	Hex    string `json:"x"`
}

// Put publishes the newest sample of a device.
func (a *LiveAggregator) Put(timeNowUs uint64, addr model.Addr, payload []byte) bool {
	data, err := json.Marshal(liveSample{
		Addr:   addrKey(addr),
		TimeUs: timeNowUs,
		Hex:    hex.EncodeToString(payload),
	})
	if err != nil {
		return false
	}
	if err := a.nc.Publish(a.subject, data); err != nil {
		log.Printf("publish: live sample: %v", err)
		return false
	}
	return true
}
