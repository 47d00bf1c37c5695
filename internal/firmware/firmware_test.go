package firmware

import (
	"context"
	"testing"

	"github.com/guiperry/fx2la/internal/usbio"
	"github.com/guiperry/fx2la/internal/usbio/fake"
)

func TestParseHexRejectsBadChecksum(t *testing.T) {
	_, err := ParseHex(":0400000000112233FF\n:00000001FF\n")
	if err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseHexSimpleImage(t *testing.T) {
	// One data record (4 bytes 0xDE 0xAD 0xBE 0xEF at address 0) + EOF.
	// Checksum = -(04+00+00+00+DE+AD+BE+EF) mod 256
	img, err := ParseHex(":04000000DEADBEEFC4\n:00000001FF\n")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(img.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(img.Records))
	}
	if img.Records[0].Address != 0 {
		t.Errorf("unexpected address: %d", img.Records[0].Address)
	}
	if len(img.Records[0].Data) != 4 {
		t.Errorf("unexpected data length: %d", len(img.Records[0].Data))
	}
}

func TestVendorUploaderSequence(t *testing.T) {
	desc := usbio.Descriptor{Bus: 1, Address: 2}
	script := &fake.Script{}
	dev := fake.NewDevice(desc, script)

	img, err := ParseHex(":04000000DEADBEEFC4\n:00000001FF\n")
	if err != nil {
		t.Fatal(err)
	}

	u := NewVendorUploader()
	if err := u.Upload(context.Background(), dev, img); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if len(script.ControlWrites) != 3 {
		t.Fatalf("expected halt + 1 data write + release = 3 control writes, got %d", len(script.ControlWrites))
	}
	if script.ControlWrites[0].Value != cpucsAddr || script.ControlWrites[0].Data[0] != 1 {
		t.Errorf("expected first write to halt CPUCS, got %+v", script.ControlWrites[0])
	}
	if script.ControlWrites[1].Value != 0 {
		t.Errorf("expected data record write at address 0, got %+v", script.ControlWrites[1])
	}
	last := script.ControlWrites[len(script.ControlWrites)-1]
	if last.Value != cpucsAddr || last.Data[0] != 0 {
		t.Errorf("expected last write to release CPUCS, got %+v", last)
	}
}
