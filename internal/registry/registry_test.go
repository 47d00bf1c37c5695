package registry

import (
	"testing"

	"github.com/guiperry/fx2la/internal/firmware"
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

func TestHasFirmwarePredicate(t *testing.T) {
	present, _ := hasFirmware(legacyFirmwareDescriptor(1, 2))
	if !present {
		t.Fatal("expected legacy 2-endpoint descriptor to report firmware present")
	}

	bad := legacyFirmwareDescriptor(1, 2)
	bad.NumEndpoints = 3
	if present, _ := hasFirmware(bad); present {
		t.Fatal("expected 3-endpoint descriptor to report firmware absent")
	}

	bad2 := legacyFirmwareDescriptor(1, 2)
	bad2.NumConfigs = 2
	if present, _ := hasFirmware(bad2); present {
		t.Fatal("expected multi-config descriptor to report firmware absent")
	}
}

func TestInitRegistersInactiveWhenFirmwarePresent(t *testing.T) {
	desc := legacyFirmwareDescriptor(1, 2)
	dev := fake.NewDevice(desc, &fake.Script{})
	ctx := fake.NewContext(dev)

	r := New(ctx, firmware.NewVendorUploader())
	count, err := r.Init(nil)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 candidate, got %d", count)
	}
	if got := r.StatusGet(0); got != Inactive {
		t.Fatalf("expected INACTIVE, got %v", got)
	}
}

func TestInitUploadsFirmwareWhenAbsent(t *testing.T) {
	desc := usbio.Descriptor{
		Bus: 1, Address: 3, Vendor: 0x04B4, Product: 0x8613,
	}
	script := &fake.Script{}
	dev := fake.NewDevice(desc, script)
	ctx := fake.NewContext(dev)

	img, err := firmware.ParseHex(":04000000DEADBEEFC4\n:00000001FF\n")
	if err != nil {
		t.Fatal(err)
	}

	r := New(ctx, firmware.NewVendorUploader())
	count, err := r.Init(img)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 candidate, got %d", count)
	}
	if got := r.StatusGet(0); got != Initializing {
		t.Fatalf("expected INITIALIZING, got %v", got)
	}
	if len(script.ControlWrites) == 0 {
		t.Fatal("expected firmware upload to issue control writes")
	}
}

func TestConfigSetRejectsUnsupportedRate(t *testing.T) {
	desc := legacyFirmwareDescriptor(1, 2)
	dev := fake.NewDevice(desc, &fake.Script{})
	ctx := fake.NewContext(dev)

	r := New(ctx, firmware.NewVendorUploader())
	if _, err := r.Init(nil); err != nil {
		t.Fatal(err)
	}

	err := r.ConfigSet(0, CapSampleRate, uint64(3_000_000))
	if err == nil {
		t.Fatal("expected rate rejection")
	}
	if got, _ := r.InfoGet(0, InfoCurSampleRate); got != uint64(0) {
		t.Fatalf("expected current_samplerate unchanged at 0, got %v", got)
	}
}

func TestBuildProbeConfigBacktrackPattern(t *testing.T) {
	// Scenario C's trigger pattern "0001" on probe 1.
	mask, tmask, tvalue, err := buildProbeConfig([]ProbeRecord{
		{Index: 1, Enabled: true, Trigger: "0001"},
	}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mask != 1 {
		t.Fatalf("expected probe_mask=1, got %d", mask)
	}
	wantMask := [4]byte{1, 1, 1, 1}
	wantValue := [4]byte{0, 0, 0, 1}
	if tmask != wantMask || tvalue != wantValue {
		t.Fatalf("unexpected stages: mask=%v value=%v", tmask, tvalue)
	}
}

func TestBuildProbeConfigNoTriggerFiresImmediately(t *testing.T) {
	mask, tmask, _, err := buildProbeConfig([]ProbeRecord{
		{Index: 1, Enabled: true},
	}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mask != 1 {
		t.Fatalf("expected probe_mask=1, got %d", mask)
	}
	if tmask[0] != 0 {
		t.Fatalf("expected no active stage-0 mask, got %v", tmask)
	}
}

func TestBuildProbeConfigRejectsOverlongTrigger(t *testing.T) {
	_, _, _, err := buildProbeConfig([]ProbeRecord{
		{Index: 1, Enabled: true, Trigger: "00011"},
	}, 4)
	if err == nil {
		t.Fatal("expected error for trigger string exceeding stage count")
	}
}
