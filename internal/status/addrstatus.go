package status

import (
	"fmt"

	"sensorbus/internal/model"
)

// OnlineState is the coarse lifecycle state of a bus address.
type OnlineState int

const (
	StateInitial OnlineState = iota
	StateOnline
	StateOffline
)

// String returns the string representation of OnlineState.
func (s OnlineState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Default hysteresis thresholds.
const (
	DefaultOkMax   = 2
	DefaultFailMax = 3
)

// AddrStatus tracks the online/offline hysteresis of one bus address.
// A record is created on first sighting and removed by its owner once an
// offline transition has been reported (two-phase: the FlagForDeletion
// cycle gives callbacks a chance to read the record before it goes).
type AddrStatus struct {
	Addr              model.Addr
	Count             int
	IsOnline          bool
	WasOnceOnline     bool
	IsNewlyIdentified bool
	FlagForDeletion   bool
	State             OnlineState
}

// New creates an address status record in the Initial state.
func New(addr model.Addr) *AddrStatus {
	return &AddrStatus{Addr: addr, State: StateInitial}
}

// Observe feeds one poll outcome into the hysteresis.
// changed is true when the record transitioned online or offline on this
// observation. spurious is true on an offline transition of an address
// that never reached Online (or was already flagged for deletion), in
// which case status callbacks should be suppressed.
func (s *AddrStatus) Observe(isResponding bool, okMax, failMax int) (changed, spurious bool) {
	if isResponding {
		if s.IsOnline {
			return false, false
		}
		if s.Count < okMax {
			s.Count++
		}
		if s.Count >= okMax {
			s.Count = 0
			s.IsOnline = true
			s.State = StateOnline
			s.WasOnceOnline = true
			s.FlagForDeletion = false
			return true, false
		}
		return false, false
	}

	// Not responding - only count down while online, never confirmed, or
	// already flagged (so a stale record keeps converging to removal).
	if !s.IsOnline && s.WasOnceOnline && !s.FlagForDeletion {
		return false, false
	}
	if s.Count > -failMax {
		s.Count--
	}
	if s.Count <= -failMax {
		s.Count = 0
		spurious = !s.WasOnceOnline || s.FlagForDeletion
		s.IsOnline = false
		s.State = StateOffline
		// Removal happens on the owner's next sweep, after callbacks have
		// seen the offline record.
		s.FlagForDeletion = true
		return true, spurious
	}
	return false, false
}

// JSON renders the per-device status object: {"a":"0xHHHH","s":"OWN"} with
// each flag position carrying its letter or 'X'.
func (s *AddrStatus) JSON() string {
	flag := func(set bool, c byte) byte {
		if set {
			return c
		}
		return 'X'
	}
	return fmt.Sprintf("{\"a\":\"0x%04X\",\"s\":\"%c%c%c\"}",
		uint32(s.Addr),
		flag(s.IsOnline, 'O'),
		flag(s.WasOnceOnline, 'W'),
		flag(s.IsNewlyIdentified, 'N'))
}
