package device

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"sensorbus/internal/config"
	"sensorbus/internal/model"
)

type typeEntry struct {
	name string
	spec model.PollSpec
	def  config.DeviceTypeDef
}

// TypeTable is a TypeRegistry built from the static device_types config
// section. Type indices are assigned in declaration order.
type TypeTable struct {
	entries []typeEntry
}

// NewTypeTable builds a type table from config definitions.
func NewTypeTable(defs []config.DeviceTypeDef) *TypeTable {
	t := &TypeTable{}
	for _, def := range defs {
		var reqs []model.PollRequest
		for _, rd := range def.PollRequests {
			writeData, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(rd.WriteHex), "0x"))
			if err != nil {
				continue
			}
			reqs = append(reqs, model.PollRequest{
				WriteData:        writeData,
				ReadLen:          rd.ReadLen,
				PauseAfterSendMs: rd.PauseAfterSendMs,
			})
		}
		t.entries = append(t.entries, typeEntry{
			name: def.Name,
			spec: model.PollSpec{
				PollIntervalUs:        uint64(def.PollIntervalMs) * 1000,
				Reqs:                  reqs,
				PayloadSize:           def.PayloadSize,
				TimestampBytes:        def.TimestampBytes,
				TimestampResolutionUs: def.TimestampResolutionUs,
				OfflineMaxEntries:     def.OfflineMaxEntries,
			},
			def: def,
		})
	}
	return t
}

// TypeName resolves a type index to its name.
func (t *TypeTable) TypeName(index uint16) (string, bool) {
	if int(index) >= len(t.entries) {
		return "", false
	}
	return t.entries[index].name, true
}

// TypeIndex resolves a type name to its index.
func (t *TypeTable) TypeIndex(name string) (uint16, bool) {
	for i, e := range t.entries {
		if strings.EqualFold(e.name, name) {
			return uint16(i), true
		}
	}
	return 0, false
}

// PollSpec returns the poll spec for a type index.
func (t *TypeTable) PollSpec(index uint16) (model.PollSpec, bool) {
	if int(index) >= len(t.entries) {
		return model.PollSpec{}, false
	}
	return t.entries[index].spec, true
}

// Decoder reports no decoder; decode routines ship with the transport
// integration, not the static table.
func (t *TypeTable) Decoder(index uint16) (model.DecodeFn, bool) {
	return nil, false
}

// TypeInfoJSON renders the config definition of a type, looked up by name
// or decimal index.
func (t *TypeTable) TypeInfoJSON(nameOrIndex string) (string, bool) {
	idx, ok := t.TypeIndex(nameOrIndex)
	if !ok {
		if n, err := strconv.ParseUint(nameOrIndex, 10, 16); err == nil && int(n) < len(t.entries) {
			idx, ok = uint16(n), true
		}
	}
	if !ok {
		return "", false
	}
	data, err := json.Marshal(t.entries[idx].def)
	if err != nil {
		return "", false
	}
	return string(data), true
}
