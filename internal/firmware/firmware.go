// Package firmware implements the concrete firmware-upload helper that
// spec.md treats as an external black box: it writes an Intel-HEX image
// into a Cypress FX2 over vendor control transfers.
package firmware

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/guiperry/fx2la/internal/usbio"
)

// cypressAnchorLoad is the FX2 firmware-load vendor request (bRequest
// 0xA0); value is the target 8051 address, data is up to 64 bytes of
// code.
const cypressAnchorLoad = 0xA0

// cpucsAddr is the address of the FX2's CPU control and status register;
// writing 1 halts the 8051, writing 0 releases it from reset.
const cpucsAddr = 0xE600

// Uploader is the contract the registry depends on to get firmware onto
// a freshly enumerated device. It is implemented by VendorUploader for
// production use and can be swapped for a fake in tests.
type Uploader interface {
	Upload(ctx context.Context, dev usbio.Device, image *HexImage) error
}

// VendorUploader performs the standard Cypress anchor-device load
// sequence: halt the CPU, write every data record, release the CPU.
type VendorUploader struct {
	// WriteTimeout bounds each individual control transfer.
	WriteTimeout time.Duration
}

func NewVendorUploader() *VendorUploader {
	return &VendorUploader{WriteTimeout: 500 * time.Millisecond}
}

func (u *VendorUploader) Upload(ctx context.Context, dev usbio.Device, image *HexImage) error {
	if err := u.writeCPUCS(ctx, dev, 1); err != nil {
		return fmt.Errorf("firmware: halt 8051: %w", err)
	}

	for _, rec := range image.Records {
		if len(rec.Data) == 0 {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, u.timeout())
		_, err := dev.ControlWrite(wctx, cypressAnchorLoad, rec.Address, 0, rec.Data)
		cancel()
		if err != nil {
			return fmt.Errorf("firmware: write %d bytes at 0x%04X: %w", len(rec.Data), rec.Address, err)
		}
	}

	if err := u.writeCPUCS(ctx, dev, 0); err != nil {
		return fmt.Errorf("firmware: release 8051: %w", err)
	}
	return nil
}

func (u *VendorUploader) writeCPUCS(ctx context.Context, dev usbio.Device, value byte) error {
	wctx, cancel := context.WithTimeout(ctx, u.timeout())
	defer cancel()
	_, err := dev.ControlWrite(wctx, cypressAnchorLoad, cpucsAddr, 0, []byte{value})
	return err
}

func (u *VendorUploader) timeout() time.Duration {
	if u.WriteTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return u.WriteTimeout
}

// LoadImage reads and parses an Intel-HEX firmware image from path.
func LoadImage(path string) (*HexImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", path, err)
	}
	img, err := ParseHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("firmware: parse %s: %w", path, err)
	}
	return img, nil
}
