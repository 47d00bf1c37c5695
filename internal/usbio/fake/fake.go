// Package fake provides an in-memory usbio.Context/usbio.Device for tests,
// standing in for a real libusb bus the way the teacher swaps fakes in
// behind small client interfaces in its own test suite.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/guiperry/fx2la/internal/usbio"
)

// Script lets a test script exactly what a fake device will do: the bytes
// it will hand back from each bulk read (in order), and the control/bulk
// writes it records for later assertion.
type Script struct {
	mu sync.Mutex

	// Reads are the successive chunks handed back by BulkRead; a chunk
	// longer than the read buffer is delivered across consecutive reads.
	// io.EOF-like exhaustion returns empty+nil.
	Reads [][]byte

	ControlWrites []ControlWrite
	BulkWrites    [][]byte

	// Renumbered records a descriptor for a post-upload device. Device
	// never applies it on its own; Context.Renumber is what swaps a
	// device's descriptor.
	Renumbered *usbio.Descriptor
}

type ControlWrite struct {
	BRequest    byte
	Value, Index uint16
	Data        []byte
}

// Context is a fake usbio.Context backed by a fixed device list.
type Context struct {
	mu      sync.Mutex
	Devices []*Device
	Closed  bool
}

func NewContext(devices ...*Device) *Context {
	return &Context{Devices: devices}
}

func (c *Context) ListCandidates() ([]usbio.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []usbio.Descriptor
	for _, d := range c.Devices {
		out = append(out, d.Desc)
	}
	return out, nil
}

func (c *Context) Open(d usbio.Descriptor) (usbio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.Devices {
		if dev.Desc.Bus == d.Bus && dev.Desc.Address == d.Address {
			return dev, nil
		}
	}
	return nil, errors.New("fake: device not found")
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Renumber swaps this device's descriptor, simulating what happens after
// a real device receives firmware and re-appears at a new address.
func (c *Context) Renumber(addr int, newDesc usbio.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.Devices {
		if d.Desc.Address == addr {
			d.Desc = newDesc
		}
	}
}

// Device is a fake usbio.Device.
type Device struct {
	mu      sync.Mutex
	Desc    usbio.Descriptor
	Script  *Script
	readIdx int
	claimed bool
	Closed  bool
}

func NewDevice(desc usbio.Descriptor, script *Script) *Device {
	if script == nil {
		script = &Script{}
	}
	return &Device{Desc: desc, Script: script}
}

func (d *Device) Descriptor() usbio.Descriptor { return d.Desc }

func (d *Device) ClaimInterface(config, iface int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = true
	return nil
}

func (d *Device) ReleaseInterface() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = false
	return nil
}

func (d *Device) BulkWrite(ctx context.Context, epAddr byte, data []byte) (int, error) {
	d.Script.mu.Lock()
	defer d.Script.mu.Unlock()
	cp := append([]byte(nil), data...)
	d.Script.BulkWrites = append(d.Script.BulkWrites, cp)
	return len(data), nil
}

func (d *Device) BulkRead(ctx context.Context, epAddr byte, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Script.mu.Lock()
	defer d.Script.mu.Unlock()
	if d.readIdx >= len(d.Script.Reads) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		return 0, nil
	}
	chunk := d.Script.Reads[d.readIdx]
	n := copy(buf, chunk)
	if n < len(chunk) {
		d.Script.Reads[d.readIdx] = chunk[n:]
	} else {
		d.readIdx++
	}
	return n, nil
}

func (d *Device) ControlWrite(ctx context.Context, bRequest byte, value, index uint16, data []byte) (int, error) {
	d.Script.mu.Lock()
	defer d.Script.mu.Unlock()
	cp := append([]byte(nil), data...)
	d.Script.ControlWrites = append(d.Script.ControlWrites, ControlWrite{BRequest: bRequest, Value: value, Index: index, Data: cp})
	return len(data), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}
