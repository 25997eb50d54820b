package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"sensorbus/internal/device"
	"sensorbus/internal/model"
	"sensorbus/internal/publish"
)

type addrStatsJSON struct {
	Depth       uint32 `json:"depth"`
	Drops       uint32 `json:"drops"`
	Max         uint32 `json:"max"`
	Bytes       uint32 `json:"bytes"`
	Wraps       uint32 `json:"wraps"`
	OldestMs    uint64 `json:"oldestMs"`
	BufPaused   int    `json:"bufPaused"`
	DrainPaused int    `json:"drainPaused"`
	Payload     uint32 `json:"payload"`
	Meta        uint32 `json:"meta"`
}

type busControlJSON struct {
	BufferPausedGlobal    int               `json:"bufferPausedGlobal"`
	DrainPausedGlobal     int               `json:"drainPausedGlobal"`
	BufferPaused          []string          `json:"bufferPaused"`
	DrainPaused           []string          `json:"drainPaused"`
	SelectedAddrs         []string          `json:"selectedAddrs"`
	SelectedTypes         []string          `json:"selectedTypes"`
	MaxPerPublishOverride uint32            `json:"maxPerPublishOverride,omitempty"`
	RateOverrides         map[string]uint32 `json:"rateOverrides,omitempty"`
}

type peekDeviceJSON struct {
	Type    string           `json:"t"`
	Samples []publish.Sample `json:"s"`
}

// offlineBufHandler is the offline buffer status/control endpoint:
// GET /devman/offlinebuf?bus=..&addr=..&type=..&action=..&rateMs=..
//
//	&start=..&count=..&maxBytes=..&clear=..&nonDestructive=..&simulate=..
func (s *Server) offlineBufHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	busName := q.Get("bus")
	action := q.Get("action")
	if action == "" {
		action = "status"
	}
	requestedAddrs := parseAddrCSV(q.Get("addr"))
	requestedTypes := parseTypeCSV(q.Get("type"))
	rateOverrideMs := parseUint(q.Get("rateMs"))
	startIdx := parseUint(q.Get("start"))
	maxResponses := parseUint(q.Get("count"))
	maxBytes := parseUint(q.Get("maxBytes"))
	clearOnStop := parseBool(q.Get("clear"), false)
	nonDestructive := parseBool(q.Get("nonDestructive"), true)
	simulateOnly := parseBool(q.Get("simulate"), false)

	doStart := strings.EqualFold(action, "start") || strings.EqualFold(action, "resume")
	doStop := strings.EqualFold(action, "stop") || strings.EqualFold(action, "pause")
	doReset := strings.EqualFold(action, "reset") || strings.EqualFold(action, "clear")
	doFetch := strings.EqualFold(action, "fetch")
	doPeek := strings.EqualFold(action, "peek") || (doFetch && nonDestructive)

	log.Printf("offlinebuf action %s bus %s addrs %d types %d rateMs %d start %d count %d maxBytes %d",
		action, busName, len(requestedAddrs), len(requestedTypes), rateOverrideMs, startIdx, maxResponses, maxBytes)

	requestedTypesLower := make(map[string]bool, len(requestedTypes))
	for _, t := range requestedTypes {
		requestedTypesLower[strings.ToLower(t)] = true
	}

	busMatched := false
	stats := make(map[string]map[string]addrStatsJSON)
	control := make(map[string]busControlJSON)
	peek := make(map[string]map[string]peekDeviceJSON)
	estimate := make(map[string]map[string]model.EstAllocInfo)
	peekRemainingTotal := uint32(0)
	offlineBytesTotal := uint64(0)

	for _, bus := range s.buses {
		if busName != "" && !strings.EqualFold(bus.Name(), busName) {
			continue
		}
		busMatched = true

		all := s.reg.SnapshotBus(bus.Name())
		if len(all) == 0 {
			continue
		}

		requestedAddrSet := make(map[model.Addr]bool, len(requestedAddrs))
		for _, a := range requestedAddrs {
			requestedAddrSet[a] = true
		}
		var targets []*device.Device
		for _, d := range all {
			addrMatch := requestedAddrSet[d.Addr]
			typeMatch := requestedTypesLower[strings.ToLower(d.TypeName)]
			if len(requestedAddrSet) == 0 && len(requestedTypesLower) == 0 {
				targets = append(targets, d)
			} else if addrMatch || typeMatch {
				targets = append(targets, d)
			}
		}
		if len(targets) == 0 {
			// A specific addr/type was requested but nothing matched
			continue
		}
		targetAddrs := make([]model.Addr, 0, len(targets))
		for _, d := range targets {
			targetAddrs = append(targetAddrs, d.Addr)
		}

		switch {
		case simulateOnly:
			est := s.ctrl.EstimateAllocations(bus.Name(), targetAddrs)
			if len(est) > 0 {
				busEst := make(map[string]model.EstAllocInfo, len(est))
				for a, e := range est {
					busEst[addrHex(a)] = e
				}
				estimate[bus.Name()] = busEst
			}
		case doStart:
			s.ctrl.SetBufferPaused(bus.Name(), nil, false)
			if len(targets) < len(all) {
				var pauseAddrs []model.Addr
				for _, d := range all {
					if !containsAddr(targetAddrs, d.Addr) {
						pauseAddrs = append(pauseAddrs, d.Addr)
					}
				}
				if len(pauseAddrs) > 0 {
					s.ctrl.SetBufferPaused(bus.Name(), pauseAddrs, true)
				}
			}
			// Keep draining paused so the backlog is not consumed before
			// the caller asks for it.
			s.ctrl.SetDrainPaused(bus.Name(), nil, true)
			if rateOverrideMs > 0 {
				s.ctrl.ApplyRateOverride(bus.Name(), targetAddrs, rateOverrideMs)
			}
			s.ctrl.SetBufferPaused(bus.Name(), targetAddrs, false)
			s.ctrl.SetDrainSelection(targetAddrs, requestedTypes, false)
			s.ctrl.Rebalance(bus.Name(), targetAddrs)
			s.ctrl.SetAutoResume(true, targetAddrs, rateOverrideMs)
		}
		if doStop {
			if len(targets) == len(all) {
				s.ctrl.SetBufferPaused(bus.Name(), nil, true)
			} else {
				s.ctrl.SetBufferPaused(bus.Name(), targetAddrs, true)
			}
			s.ctrl.SetDrainPaused(bus.Name(), nil, true)
			s.ctrl.ClearRateOverride(bus.Name(), targetAddrs)
			s.ctrl.SetDrainSelection(nil, nil, false)
			s.ctrl.SetAutoResume(false, nil, 0)
			if clearOnStop {
				s.ctrl.ResetBuffers(bus.Name(), targetAddrs)
			}
		}
		if doReset && !doStop {
			s.ctrl.ResetBuffers(bus.Name(), targetAddrs)
			s.ctrl.SetAutoResume(false, nil, 0)
		}

		snap := s.ctrl.Snapshot()

		busStats := make(map[string]addrStatsJSON)
		for _, d := range targets {
			st := d.OfflineStats()
			if st.MaxEntries == 0 {
				continue
			}
			offlineBytesTotal += uint64(st.MaxEntries) * uint64(st.PayloadSize+st.MetaSize)
			busStats[addrHex(d.Addr)] = addrStatsJSON{
				Depth:       st.Depth,
				Drops:       st.Drops,
				Max:         st.MaxEntries,
				Bytes:       st.BytesInUse(),
				Wraps:       st.TsWrapCount,
				OldestMs:    st.OldestCaptureMs,
				BufPaused:   boolInt(s.ctrl.EffectiveBufferPaused(d.Addr)),
				DrainPaused: boolInt(s.ctrl.EffectiveDrainPaused(d)),
				Payload:     st.PayloadSize,
				Meta:        st.MetaSize,
			}
		}
		stats[bus.Name()] = busStats

		busCtrl := busControlJSON{
			BufferPausedGlobal: boolInt(snap.GlobalBufPaused),
			DrainPausedGlobal:  boolInt(snap.GlobalDrainPaused),
			BufferPaused:       addrHexList(snap.BufferPaused),
			DrainPaused:        addrHexList(snap.DrainPaused),
			SelectedAddrs:      addrHexList(snap.SelectedAddrs),
			SelectedTypes:      snap.SelectedTypes,
		}
		if busCtrl.SelectedTypes == nil {
			busCtrl.SelectedTypes = []string{}
		}
		busCtrl.MaxPerPublishOverride = snap.MaxPerPublishOvr
		if len(snap.RateOverridesUs) > 0 {
			busCtrl.RateOverrides = make(map[string]uint32, len(snap.RateOverridesUs))
			for a, us := range snap.RateOverridesUs {
				busCtrl.RateOverrides[addrHex(a)] = us / 1000
			}
		}
		control[bus.Name()] = busCtrl

		if doPeek || (doFetch && !nonDestructive) {
			busPeek := make(map[string]peekDeviceJSON)
			for _, d := range targets {
				var payloads []byte
				var metas []model.OfflineMeta
				if doPeek {
					payloads, metas = d.PeekOffline(startIdx, maxResponses, maxBytes)
				} else {
					payloads, metas = s.ctrl.DrainDevice(d, maxResponses, maxBytes)
				}
				if len(metas) == 0 {
					continue
				}
				st := d.OfflineStats()
				samples := publish.SamplesFrom(payloads, metas, st.PayloadSize, st.TimestampResolutionUs)
				busPeek[addrHex(d.Addr)] = peekDeviceJSON{Type: d.TypeName, Samples: samples}
				returned := uint32(len(metas))
				if doPeek {
					if st.Depth > startIdx+returned {
						peekRemainingTotal += st.Depth - startIdx - returned
					}
				} else {
					peekRemainingTotal += st.Depth
				}
			}
			if len(busPeek) > 0 {
				peek[bus.Name()] = busPeek
			}
		}
	}

	if busName != "" && !busMatched {
		respondError(w, http.StatusNotFound, "failBusNotFound")
		return
	}

	extra := map[string]any{
		"stats": stats,
		"mem":   map[string]any{"offlineBytesInUse": offlineBytesTotal},
	}
	if len(control) > 0 {
		extra["control"] = control
	}
	if len(peek) > 0 {
		extra["peek"] = peek
	}
	if len(estimate) > 0 {
		extra["estimate"] = estimate
	}
	if peekRemainingTotal > 0 {
		extra["peekRemaining"] = peekRemainingTotal
	}
	respondOK(w, extra)
}

// typeInfoHandler returns device type info JSON by type name or index:
// GET /devman/typeinfo?bus=<busName>&type=<typeName>
func (s *Server) typeInfoHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("bus") == "" {
		respondError(w, http.StatusBadRequest, "failBusMissing")
		return
	}
	devTypeName := q.Get("type")
	if devTypeName == "" {
		respondError(w, http.StatusBadRequest, "failTypeMissing")
		return
	}
	if s.busByName(q.Get("bus")) == nil {
		respondError(w, http.StatusNotFound, "failBusNotFound")
		return
	}

	devInfo, ok := s.types.TypeInfoJSON(devTypeName)
	if !ok || devInfo == "" || devInfo == "{}" {
		respondError(w, http.StatusNotFound, "failTypeNotFound")
		return
	}
	respondOK(w, map[string]any{"devinfo": json.RawMessage(devInfo)})
}

// cmdRawHandler forwards a raw write/read transaction to the transport:
// GET /devman/cmdraw?bus=<busName>&addr=<addr>&hexWr=<hex>&numToRd=<n>
func (s *Server) cmdRawHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	busName := q.Get("bus")
	if busName == "" {
		respondError(w, http.StatusBadRequest, "failBusMissing")
		return
	}
	addrStr := q.Get("addr")
	if addrStr == "" {
		respondError(w, http.StatusBadRequest, "failMissingAddr")
		return
	}
	bus := s.busByName(busName)
	if bus == nil {
		respondError(w, http.StatusNotFound, "failBusNotFound")
		return
	}

	addrVal, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(addrStr), "0x"), 16, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failBadAddr")
		return
	}
	writeData, err := hex.DecodeString(q.Get("hexWr"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failBadHexData")
		return
	}
	numToRead := int(parseUint(q.Get("numToRd")))

	readData, err := bus.Transport().WriteRead(model.Addr(addrVal), writeData, numToRead)
	if err != nil {
		log.Printf("cmdraw bus %s addr %s: %v", busName, addrStr, err)
		respondError(w, http.StatusBadGateway, "failSendRawCommand")
		return
	}
	respondOK(w, map[string]any{"hexRd": hex.EncodeToString(readData)})
}

// parseAddrCSV parses a comma-separated address list; hex (0x-prefixed)
// and decimal both accepted. URL decoding has already turned %2C into ','.
func parseAddrCSV(csv string) []model.Addr {
	var out []model.Addr
	for _, token := range strings.Split(csv, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		v, err := strconv.ParseUint(token, 0, 32)
		if err != nil {
			continue
		}
		out = append(out, model.Addr(v))
	}
	return out
}

func parseTypeCSV(csv string) []string {
	var out []string
	for _, token := range strings.Split(csv, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}

func parseUint(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func containsAddr(addrs []model.Addr, a model.Addr) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func addrHex(a model.Addr) string {
	return fmt.Sprintf("0x%x", uint32(a))
}

func addrHexList(addrs []model.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, addrHex(a))
	}
	return out
}
