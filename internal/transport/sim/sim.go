// Package sim provides a simulated bus transport. Devices declared under
// a bus's sim_devices config answer ident polls with synthetic samples
// carrying device-style embedded timestamps, so a gateway runs end to end
// with no hardware attached. Registered as transport type "sim".
package sim

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sensorbus/internal/config"
	"sensorbus/internal/device"
	"sensorbus/internal/model"
)

func init() {
	device.RegisterTransport("sim", New)
}

type simDevice struct {
	typeIndex uint16
	spec      model.PollSpec

	// fragment cursor into the current sample
	sample  []byte
	offset  uint32
	counter uint8
}

// Transport is a scripted in-process bus with simulated devices.
type Transport struct {
	mu          sync.Mutex
	devices     map[model.Addr]*simDevice
	lastIdentMs uint32
}

// New builds the transport from the bus definition, resolving each
// simulated device's type against the registry.
func New(busDef config.BusDef, types model.TypeRegistry) (model.BusTransport, error) {
	t := &Transport{devices: make(map[model.Addr]*simDevice)}
	for _, sd := range busDef.SimDevices {
		addrVal, err := strconv.ParseUint(sd.Addr, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sim device addr %q on bus %s: %w", sd.Addr, busDef.Name, err)
		}
		idx, ok := types.TypeIndex(sd.Type)
		if !ok {
			return nil, fmt.Errorf("unknown device type %q for sim device 0x%X on bus %s", sd.Type, addrVal, busDef.Name)
		}
		spec, ok := types.PollSpec(idx)
		if !ok || spec.PayloadSize == 0 {
			return nil, fmt.Errorf("device type %q has no usable poll spec", sd.Type)
		}
		t.devices[model.Addr(addrVal)] = &simDevice{typeIndex: idx, spec: spec}
	}
	return t, nil
}

// Scan returns every simulated address.
func (t *Transport) Scan() []model.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastIdentMs = uint32(time.Now().UnixMilli())
	out := make([]model.Addr, 0, len(t.devices))
	for addr := range t.devices {
		out = append(out, addr)
	}
	return out
}

// Identify returns the configured type index.
func (t *Transport) Identify(addr model.Addr) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok {
		return 0, false
	}
	return d.typeIndex, true
}

// Poll answers one request fragment. The first fragment of a poll cycle
// generates a fresh sample; later fragments return successive slices of
// it, so multi-fragment polls reassemble into one coherent payload.
func (t *Transport) Poll(addr model.Addr, req model.PollRequest) (model.PollResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok {
		return model.PollResult{}, model.ErrAddrNotResponding
	}

	nowUs := uint64(time.Now().UnixMicro())
	if d.offset == 0 {
		d.sample = d.generate(nowUs)
	}
	n := req.ReadLen
	if remaining := d.spec.PayloadSize - d.offset; n > remaining {
		n = remaining
	}
	out := make([]byte, n)
	copy(out, d.sample[d.offset:d.offset+n])
	d.offset += n
	if d.offset >= d.spec.PayloadSize {
		d.offset = 0
	}
	return model.PollResult{Payload: out, CaptureTimeUs: nowUs}, nil
}

// generate builds one sample: the device timestamp (big-endian, ticking
// at the type's resolution) followed by a rolling counter pattern.
func (d *simDevice) generate(nowUs uint64) []byte {
	payload := make([]byte, d.spec.PayloadSize)
	resUs := uint64(d.spec.TimestampResolutionUs)
	if resUs == 0 {
		resUs = 1000
	}
	tick := uint32(nowUs / resUs)
	switch d.spec.TimestampBytes {
	case 1:
		payload[0] = byte(tick)
	case 2:
		binary.BigEndian.PutUint16(payload, uint16(tick))
	case 4:
		binary.BigEndian.PutUint32(payload, tick)
	}
	for i := d.spec.TimestampBytes; i < d.spec.PayloadSize; i++ {
		d.counter++
		payload[i] = d.counter
	}
	return payload
}

// WriteRead echoes the written bytes padded to readLen (cmdraw support).
func (t *Transport) WriteRead(addr model.Addr, writeData []byte, readLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[addr]; !ok {
		return nil, model.ErrAddrNotResponding
	}
	out := make([]byte, readLen)
	copy(out, writeData)
	return out, nil
}

// LastIdentPollMs returns the timestamp of the last scan.
func (t *Transport) LastIdentPollMs() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastIdentMs
}
