package persist

import (
	"encoding/binary"
	"fmt"
)

const (
	metaMagic   = 0x4F424E56 // "OBNV"
	metaVersion = 2

	// segmentBytes is one KV page; records never span segments.
	segmentBytes = 4000

	metaKey = "meta"

	metaBlobSize = 14 * 4
)

// meta is the crash-safe persistent ring state. It is written as a packed
// little-endian blob under the "meta" key, always after the segment writes
// it refers to.
type meta struct {
	Magic                 uint32
	Version               uint32
	PayloadSize           uint32
	RecordSize            uint32
	TimestampBytes        uint32
	TimestampResolutionUs uint32
	MaxEntries            uint32
	Head                  uint32
	Count                 uint32
	NextSeq               uint32
	ImportSeq             uint32
	RecordsPerSegment     uint32
	SegmentBytes          uint32
	Drops                 uint32
}

func (m *meta) encode() []byte {
	buf := make([]byte, metaBlobSize)
	fields := []uint32{
		m.Magic, m.Version, m.PayloadSize, m.RecordSize,
		m.TimestampBytes, m.TimestampResolutionUs, m.MaxEntries,
		m.Head, m.Count, m.NextSeq, m.ImportSeq,
		m.RecordsPerSegment, m.SegmentBytes, m.Drops,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], f)
	}
	return buf
}

func (m *meta) decode(data []byte) bool {
	if len(data) != metaBlobSize {
		return false
	}
	fields := []*uint32{
		&m.Magic, &m.Version, &m.PayloadSize, &m.RecordSize,
		&m.TimestampBytes, &m.TimestampResolutionUs, &m.MaxEntries,
		&m.Head, &m.Count, &m.NextSeq, &m.ImportSeq,
		&m.RecordsPerSegment, &m.SegmentBytes, &m.Drops,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint32(data[i*4:])
	}
	return m.Magic == metaMagic && m.Version == metaVersion
}

func (m *meta) reset(payloadSize, tsBytes, tsResUs, maxEntries uint32) {
	m.Magic = metaMagic
	m.Version = metaVersion
	m.PayloadSize = payloadSize
	m.RecordSize = payloadSize + 4
	m.TimestampBytes = tsBytes
	m.TimestampResolutionUs = tsResUs
	m.MaxEntries = maxEntries
	m.Head = 0
	m.Count = 0
	m.NextSeq = 0
	m.ImportSeq = 0
	m.SegmentBytes = segmentBytes
	m.RecordsPerSegment = 0
	if m.RecordSize > 0 {
		m.RecordsPerSegment = m.SegmentBytes / m.RecordSize
	}
	m.Drops = 0
}

// compatible reports whether stored meta matches the requested schema.
func (m *meta) compatible(payloadSize, tsBytes, tsResUs uint32) bool {
	return m.Magic == metaMagic &&
		m.Version == metaVersion &&
		m.PayloadSize == payloadSize &&
		m.TimestampBytes == tsBytes &&
		m.TimestampResolutionUs == tsResUs &&
		m.RecordSize == payloadSize+4 &&
		m.RecordsPerSegment > 0 &&
		m.SegmentBytes > 0
}

// segmentKey renders the stable key for a segment index: "s" plus a
// zero-padded 5-digit decimal.
func segmentKey(segIdx uint32) string {
	return fmt.Sprintf("s%05d", segIdx)
}
