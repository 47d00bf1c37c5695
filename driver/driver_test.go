package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guiperry/fx2la/internal/config"
	"github.com/guiperry/fx2la/internal/firmware"
	"github.com/guiperry/fx2la/internal/registry"
	"github.com/guiperry/fx2la/internal/sink"
	"github.com/guiperry/fx2la/internal/usbio"
	"github.com/guiperry/fx2la/internal/usbio/fake"
)

func legacyFirmwareDescriptor(bus, addr int) usbio.Descriptor {
	return usbio.Descriptor{
		Bus: bus, Address: addr,
		Vendor: 0x0925, Product: 0x3881,
		NumConfigs: 1, NumInterfaces: 1, NumAltSettings: 1, NumEndpoints: 2,
		EndpointAddr: [2]byte{0x01, 0x82},
	}
}

// TestFullLifecycle exercises init → open → config_set → acquisition_start
// → acquisition_stop → close → cleanup end to end against a fake bus,
// matching spec.md Scenario A (no trigger, small limit).
func TestFullLifecycle(t *testing.T) {
	buf := make([]byte, 4096)
	script := &fake.Script{Reads: [][]byte{buf, buf}}
	dev := fake.NewDevice(legacyFirmwareDescriptor(1, 1), script)
	ctx := fake.NewContext(dev)

	d := New(config.Defaults(), ctx, firmware.NewVendorUploader())

	count, err := d.Init()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, d.Open(0))
	assert.Equal(t, registry.Active, d.StatusGet(0))

	require.NoError(t, d.ConfigSet(0, registry.CapSampleRate, uint64(1_000_000)))
	require.NoError(t, d.ConfigSet(0, registry.CapProbeConfig, []registry.ProbeRecord{
		{Index: 1, Enabled: true},
	}))

	rec := &sink.Recorder{}
	require.NoError(t, d.AcquisitionStart(0, rec))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.AcquisitionStop(0))

	require.NotEmpty(t, rec.Packets)
	assert.Equal(t, sink.Header, rec.Packets[0].Kind, "expected HEADER first")
	assert.Equal(t, sink.End, rec.Packets[len(rec.Packets)-1].Kind, "expected END last")

	require.NoError(t, d.Close(0))
	assert.Equal(t, registry.Inactive, d.StatusGet(0))

	require.NoError(t, d.Cleanup())
	assert.True(t, ctx.Closed, "expected usb context to be closed after cleanup")
}

func TestAcquisitionStopWithNoActiveAcquisitionReturnsErr(t *testing.T) {
	ctx := fake.NewContext()
	d := New(config.Defaults(), ctx, firmware.NewVendorUploader())
	assert.Error(t, d.AcquisitionStop(0))
}
