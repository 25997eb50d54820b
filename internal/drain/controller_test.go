package drain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorbus/internal/device"
	"sensorbus/internal/model"
)

func spec(payloadSize, maxEntries uint32) model.PollSpec {
	return model.PollSpec{
		PollIntervalUs:        1_000_000,
		Reqs:                  []model.PollRequest{{WriteData: []byte{0x01}, ReadLen: payloadSize}},
		PayloadSize:           payloadSize,
		TimestampBytes:        1,
		TimestampResolutionUs: 1000,
		OfflineMaxEntries:     maxEntries,
	}
}

func fill(d *device.Device, n int) {
	for i := 0; i < n; i++ {
		payload := make([]byte, d.OfflineStats().PayloadSize)
		payload[0] = byte(i)
		d.StorePollResults(0, uint64(1_000_000+i*10_000), payload, 0)
	}
}

func fixture(t *testing.T) (*Controller, *device.Registry, *device.Device, *device.Device) {
	t.Helper()
	reg := device.NewRegistry()
	accel := device.NewDevice("bus0", 0x48, 7, "ACC10", spec(4, 16), nil, nil)
	magno := device.NewDevice("bus0", 0x1E, 8, "MAG3", spec(4, 16), nil, nil)
	reg.Register(accel)
	reg.Register(magno)
	return NewController(reg, 1024, 8), reg, accel, magno
}

func TestSelectionFilterByAddrAndType(t *testing.T) {
	c, _, accel, magno := fixture(t)
	fill(accel, 3)
	fill(magno, 3)

	// Nothing selected, drainOnly off: everyone drains
	devices, maxPer := c.SelectForPublish("bus0")
	assert.Len(t, devices, 2)
	assert.Equal(t, uint32(8), maxPer)

	// drainOnly with an addr selection
	c.SetDrainSelection([]model.Addr{0x48}, nil, true)
	devices, _ = c.SelectForPublish("bus0")
	require.Len(t, devices, 1)
	assert.Equal(t, model.Addr(0x48), devices[0].Addr)

	// drainOnly with a type selection (case-insensitive)
	c.SetDrainSelection(nil, []string{"mag3"}, true)
	devices, _ = c.SelectForPublish("bus0")
	require.Len(t, devices, 1)
	assert.Equal(t, model.Addr(0x1E), devices[0].Addr)
	assert.True(t, c.EffectiveDrainPaused(accel))
	assert.False(t, c.EffectiveDrainPaused(magno))
}

func TestGlobalAndPerAddrPauses(t *testing.T) {
	c, _, accel, magno := fixture(t)
	fill(accel, 2)

	c.SetDrainPaused("bus0", nil, true)
	assert.True(t, c.EffectiveDrainPaused(accel))
	payloads, _ := c.DrainDevice(accel, 0, 0)
	assert.Nil(t, payloads)

	c.SetDrainPaused("bus0", nil, false)
	c.SetDrainPaused("bus0", []model.Addr{0x48}, true)
	assert.True(t, c.EffectiveDrainPaused(accel))
	assert.False(t, c.EffectiveDrainPaused(magno))

	c.SetDrainPaused("bus0", []model.Addr{0x48}, false)
	_, metas := c.DrainDevice(accel, 0, 0)
	assert.Len(t, metas, 2)
}

func TestBufferPausePropagatesToDevices(t *testing.T) {
	c, _, accel, _ := fixture(t)

	c.SetBufferPaused("bus0", []model.Addr{0x48}, true)
	assert.True(t, accel.BufferPaused())
	assert.True(t, c.EffectiveBufferPaused(0x48))
	assert.False(t, c.EffectiveBufferPaused(0x1E))

	c.SetBufferPaused("bus0", []model.Addr{0x48}, false)
	assert.False(t, accel.BufferPaused())
}

func TestMaxPerPublishOverride(t *testing.T) {
	c, _, accel, _ := fixture(t)
	fill(accel, 10)

	c.SetMaxPerPublishOverride(3)
	assert.Equal(t, uint32(3), c.MaxPerPublish())

	_, metas := c.DrainDevice(accel, c.MaxPerPublish(), 0)
	assert.Len(t, metas, 3)

	c.SetMaxPerPublishOverride(0)
	assert.Equal(t, uint32(8), c.MaxPerPublish())
}

func TestRateOverrideAppliesAndClears(t *testing.T) {
	c, _, accel, _ := fixture(t)

	c.ApplyRateOverride("bus0", []model.Addr{0x48}, 50)
	assert.Equal(t, uint64(50_000), accel.Sched.IntervalUs())
	snap := c.Snapshot()
	assert.Equal(t, uint32(50_000), snap.RateOverridesUs[0x48])

	c.ClearRateOverride("bus0", []model.Addr{0x48})
	assert.Equal(t, uint64(1_000_000), accel.Sched.IntervalUs())
	assert.Empty(t, c.Snapshot().RateOverridesUs)
}

func TestRebalanceFitsBudget(t *testing.T) {
	c, _, accel, magno := fixture(t)

	// Budget 1024 over two devices, 8 bytes per entry: 64 entries each,
	// clamped to the configured max of 16.
	c.Rebalance("bus0", nil)
	assert.Equal(t, uint32(16), accel.OfflineStats().MaxEntries)

	// A tight budget shrinks the rings
	tight := NewController(deviceRegistryOf(accel, magno), 64, 8)
	tight.Rebalance("bus0", nil)
	assert.Equal(t, uint32(4), accel.OfflineStats().MaxEntries)
	assert.Equal(t, uint32(4), magno.OfflineStats().MaxEntries)
}

func deviceRegistryOf(devices ...*device.Device) *device.Registry {
	reg := device.NewRegistry()
	for _, d := range devices {
		reg.Register(d)
	}
	return reg
}

func TestEstimateAllocations(t *testing.T) {
	c, _, _, _ := fixture(t)
	est := c.EstimateAllocations("bus0", []model.Addr{0x48})
	require.Contains(t, est, model.Addr(0x48))
	assert.Equal(t, uint32(16*8), est[0x48].AllocBytes)
	assert.Equal(t, uint32(8), est[0x48].BytesPerEntry)
	assert.Equal(t, uint32(4), est[0x48].PayloadSize)
	assert.Equal(t, uint32(4), est[0x48].MetaSize)
}

func TestLinkPauseAndAutoResume(t *testing.T) {
	c, _, accel, _ := fixture(t)
	fill(accel, 2)

	c.SetAutoResume(true, []model.Addr{0x48}, 100)
	c.SetLinkPaused(true)
	assert.True(t, c.EffectiveDrainPaused(accel))
	payloads, _ := c.DrainDevice(accel, 0, 0)
	assert.Nil(t, payloads)

	// Pause buffering while the link is down, then watch resume re-arm it
	c.SetBufferPaused("bus0", []model.Addr{0x48}, true)
	require.True(t, accel.BufferPaused())

	c.SetLinkPaused(false)
	assert.False(t, c.EffectiveDrainPaused(accel))
	assert.False(t, accel.BufferPaused())
	assert.Equal(t, uint64(100_000), accel.Sched.IntervalUs())
}

func TestResetBuffers(t *testing.T) {
	c, _, accel, magno := fixture(t)
	fill(accel, 3)
	fill(magno, 3)

	c.ResetBuffers("bus0", []model.Addr{0x48})
	assert.Equal(t, uint32(0), accel.OfflineStats().Depth)
	assert.Equal(t, uint32(3), magno.OfflineStats().Depth)
}
