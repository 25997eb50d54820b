package model

import "errors"

// ErrAddrNotResponding is returned by a transport when a device does not
// acknowledge a poll transaction.
var ErrAddrNotResponding = errors.New("address not responding")

// BusTransport is the contract to the bus I/O layer. Implementations own
// arbitration, transaction timing and slot muxing; the core only sees poll
// results. Poll blocks for at most one transaction.
type BusTransport interface {
	// Scan returns the addresses currently visible on the bus.
	Scan() []Addr

	// Identify returns the device type index for an address once the
	// transport has completed identification, or false if unknown.
	Identify(addr Addr) (uint16, bool)

	// Poll executes one poll request fragment against a device.
	Poll(addr Addr, req PollRequest) (PollResult, error)

	// WriteRead executes a raw write-then-read transaction (cmdraw).
	WriteRead(addr Addr, writeData []byte, readLen int) ([]byte, error)

	// LastIdentPollMs returns the wall-clock ms of the most recent
	// identification poll on this bus (used for publish change detection).
	LastIdentPollMs() uint32
}

// DecodeFn converts a raw payload into named channel values.
type DecodeFn func(payload []byte) map[string]float64

// TypeRegistry is the contract to the device-type registry. It maps type
// indices to names, poll specifications and decoders.
type TypeRegistry interface {
	TypeName(index uint16) (string, bool)
	TypeIndex(name string) (uint16, bool)
	PollSpec(index uint16) (PollSpec, bool)
	Decoder(index uint16) (DecodeFn, bool)

	// TypeInfoJSON renders the JSON schema for a type given its name or a
	// decimal index; returns false if not known.
	TypeInfoJSON(nameOrIndex string) (string, bool)
}

// Aggregator is the live publish path that consumes the newest sample of a
// device as it arrives.
type Aggregator interface {
	Put(timeNowUs uint64, addr Addr, payload []byte) bool
}
