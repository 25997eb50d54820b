package ring

import "encoding/binary"

// extractTs reads the device-origin timestamp from the leading bytes of a
// payload (big-endian). The value is reduced to 16 bits regardless of the
// configured width, preserving the on-wire behaviour of existing devices.
func extractTs(payload []byte, tsBytes uint32) uint16 {
	switch tsBytes {
	case 1:
		if len(payload) >= 1 {
			return uint16(payload[0])
		}
	case 2:
		if len(payload) >= 2 {
			return binary.BigEndian.Uint16(payload)
		}
	case 4:
		if len(payload) >= 4 {
			return uint16(binary.BigEndian.Uint32(payload))
		}
	}
	return 0
}

// tsAdvance folds one raw device timestamp into the running millisecond
// base. It returns the new base and whether the raw value wrapped. Kept
// free of ring state so the wrap logic is testable on its own.
func tsAdvance(lastVal uint16, baseMs uint64, newVal uint16, wrapMs uint64) (uint64, bool) {
	if newVal < lastVal {
		return baseMs + wrapMs, true
	}
	return baseMs, false
}
