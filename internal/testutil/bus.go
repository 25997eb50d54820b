// Package testutil provides scripted implementations of the bus transport
// and type registry contracts for tests.
package testutil

import (
	"sync"

	"sensorbus/internal/model"
)

// SimDevice is one scripted device on a SimTransport.
type SimDevice struct {
	TypeIndex  uint16
	Visible    bool
	Responding bool

	// Respond produces the payload for a poll request fragment. Nil
	// responds with ReadLen zero bytes.
	Respond func(req model.PollRequest) []byte
}

// SimTransport is a scripted BusTransport.
type SimTransport struct {
	mu          sync.Mutex
	devices     map[model.Addr]*SimDevice
	NowUs       uint64
	lastIdentMs uint32
}

// NewSimTransport creates an empty scripted transport.
func NewSimTransport() *SimTransport {
	return &SimTransport{devices: make(map[model.Addr]*SimDevice)}
}

// AddDevice scripts a device at an address.
func (t *SimTransport) AddDevice(addr model.Addr, dev *SimDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[addr] = dev
}

// SetVisible toggles an address's visibility on the bus.
func (t *SimTransport) SetVisible(addr model.Addr, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[addr]; ok {
		d.Visible = visible
		d.Responding = visible
	}
}

// Scan returns the visible addresses.
func (t *SimTransport) Scan() []model.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastIdentMs = uint32(t.NowUs / 1000)
	var out []model.Addr
	for addr, d := range t.devices {
		if d.Visible {
			out = append(out, addr)
		}
	}
	return out
}

// Identify returns the scripted type index.
func (t *SimTransport) Identify(addr model.Addr) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok {
		return 0, false
	}
	return d.TypeIndex, true
}

// Poll answers a poll request from the script.
func (t *SimTransport) Poll(addr model.Addr, req model.PollRequest) (model.PollResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok || !d.Responding {
		return model.PollResult{}, model.ErrAddrNotResponding
	}
	var payload []byte
	if d.Respond != nil {
		payload = d.Respond(req)
	} else {
		payload = make([]byte, req.ReadLen)
	}
	return model.PollResult{Payload: payload, CaptureTimeUs: t.NowUs}, nil
}

// WriteRead echoes the write data truncated or padded to readLen.
func (t *SimTransport) WriteRead(addr model.Addr, writeData []byte, readLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok || !d.Responding {
		return nil, model.ErrAddrNotResponding
	}
	out := make([]byte, readLen)
	copy(out, writeData)
	return out, nil
}

// LastIdentPollMs returns the timestamp of the last scan.
func (t *SimTransport) LastIdentPollMs() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastIdentMs
}

// StaticType is one entry of a StaticTypes registry.
type StaticType struct {
	Name     string
	Spec     model.PollSpec
	InfoJSON string
	Decode   model.DecodeFn
}

// StaticTypes is a fixed TypeRegistry.
type StaticTypes struct {
	Types map[uint16]StaticType
}

// TypeName resolves an index to its name.
func (s *StaticTypes) TypeName(index uint16) (string, bool) {
	t, ok := s.Types[index]
	return t.Name, ok
}

// TypeIndex resolves a name to its index.
func (s *StaticTypes) TypeIndex(name string) (uint16, bool) {
	for idx, t := range s.Types {
		if t.Name == name {
			return idx, true
		}
	}
	return 0, false
}

// PollSpec returns the poll spec for an index.
func (s *StaticTypes) PollSpec(index uint16) (model.PollSpec, bool) {
	t, ok := s.Types[index]
	return t.Spec, ok
}

// Decoder returns the decode function for an index.
func (s *StaticTypes) Decoder(index uint16) (model.DecodeFn, bool) {
	t, ok := s.Types[index]
	if !ok || t.Decode == nil {
		return nil, false
	}
	return t.Decode, true
}

// TypeInfoJSON renders type info by name.
func (s *StaticTypes) TypeInfoJSON(nameOrIndex string) (string, bool) {
	for _, t := range s.Types {
		if t.Name == nameOrIndex {
			return t.InfoJSON, t.InfoJSON != ""
		}
	}
	return "", false
}

// CountingAggregator records live-path puts.
type CountingAggregator struct {
	mu      sync.Mutex
	Samples [][]byte
}

// Put records the sample and accepts it.
func (a *CountingAggregator) Put(timeNowUs uint64, addr model.Addr, payload []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sample := make([]byte, len(payload))
	copy(sample, payload)
	a.Samples = append(a.Samples, sample)
	return true
}

// Count returns the number of recorded samples.
func (a *CountingAggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Samples)
}
