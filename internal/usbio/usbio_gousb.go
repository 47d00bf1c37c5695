//go:build !mips && !mipsle
// +build !mips,!mipsle

// gousb links against libusb via cgo, which does not cross-compile for
// mips/mipsle targets; see usbio_unsupported.go for the stub used there.
package usbio

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"
)

// Gousb is the production Context, backed by github.com/google/gousb.
type Gousb struct {
	ctx *gousb.Context
}

// NewGousb opens a libusb context.
func NewGousb() *Gousb {
	return &Gousb{ctx: gousb.NewContext()}
}

func (g *Gousb) ListCandidates() ([]Descriptor, error) {
	var descs []Descriptor
	devices, err := g.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		descs = append(descs, describe(desc))
		return false // never keep the handle open during enumeration
	})
	for _, d := range devices {
		d.Close()
	}
	return descs, err
}

func (g *Gousb) Open(d Descriptor) (Device, error) {
	var found *gousb.Device
	devices, err := g.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == d.Bus && desc.Address == d.Address
	})
	for _, dev := range devices {
		if found == nil {
			found = dev
		} else {
			dev.Close()
		}
	}
	if err != nil && found == nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("usbio: device %03d:%03d not found", d.Bus, d.Address)
	}
	return &gousbDevice{dev: found, desc: d}, nil
}

func (g *Gousb) Close() error {
	return g.ctx.Close()
}

func describe(desc *gousb.DeviceDesc) Descriptor {
	d := Descriptor{
		Bus:        desc.Bus,
		Address:    desc.Address,
		Vendor:     uint16(desc.Vendor),
		Product:    uint16(desc.Product),
		NumConfigs: len(desc.Configs),
	}
	for _, cfg := range desc.Configs {
		d.NumInterfaces += len(cfg.Interfaces)
		for _, intf := range cfg.Interfaces {
			d.NumAltSettings += len(intf.AltSettings)
			for _, alt := range intf.AltSettings {
				// alt.Endpoints is a map; range order is nondeterministic, so
				// collect and sort by endpoint number (address & 0x0F, the
				// low nibble; the high bit only encodes direction) before
				// recording descriptor order, which hasFirmware's
				// OUT(0x01)/IN(0x82) slot check depends on.
				addrs := make([]int, 0, len(alt.Endpoints))
				for addr := range alt.Endpoints {
					addrs = append(addrs, int(addr))
				}
				sort.Slice(addrs, func(i, j int) bool {
					return addrs[i]&0x0F < addrs[j]&0x0F
				})
				for _, addr := range addrs {
					if d.NumEndpoints < len(d.EndpointAddr) {
						d.EndpointAddr[d.NumEndpoints] = byte(addr)
					}
					d.NumEndpoints++
				}
			}
		}
	}
	return d
}

type gousbDevice struct {
	dev  *gousb.Device
	desc Descriptor

	config *gousb.Config
	intf   *gousb.Interface
	epOut  map[byte]*gousb.OutEndpoint
	epIn   map[byte]*gousb.InEndpoint
}

func (d *gousbDevice) Descriptor() Descriptor { return d.desc }

func (d *gousbDevice) ClaimInterface(config, iface int) error {
	cfg, err := d.dev.Config(config)
	if err != nil {
		return fmt.Errorf("usbio: set config %d: %w", config, err)
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("usbio: claim interface %d: %w", iface, err)
	}
	d.config = cfg
	d.intf = intf
	d.epOut = make(map[byte]*gousb.OutEndpoint)
	d.epIn = make(map[byte]*gousb.InEndpoint)
	return nil
}

func (d *gousbDevice) ReleaseInterface() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	d.epOut = nil
	d.epIn = nil
	return nil
}

func (d *gousbDevice) outEndpoint(addr byte) (*gousb.OutEndpoint, error) {
	if ep, ok := d.epOut[addr]; ok {
		return ep, nil
	}
	ep, err := d.intf.OutEndpoint(int(addr))
	if err != nil {
		return nil, err
	}
	d.epOut[addr] = ep
	return ep, nil
}

func (d *gousbDevice) inEndpoint(addr byte) (*gousb.InEndpoint, error) {
	if ep, ok := d.epIn[addr]; ok {
		return ep, nil
	}
	ep, err := d.intf.InEndpoint(int(addr))
	if err != nil {
		return nil, err
	}
	d.epIn[addr] = ep
	return ep, nil
}

func (d *gousbDevice) BulkWrite(ctx context.Context, epAddr byte, data []byte) (int, error) {
	ep, err := d.outEndpoint(epAddr)
	if err != nil {
		return 0, err
	}
	return ep.WriteContext(ctx, data)
}

func (d *gousbDevice) BulkRead(ctx context.Context, epAddr byte, buf []byte) (int, error) {
	ep, err := d.inEndpoint(epAddr)
	if err != nil {
		return 0, err
	}
	return ep.ReadContext(ctx, buf)
}

func (d *gousbDevice) ControlWrite(ctx context.Context, bRequest byte, value, index uint16, data []byte) (int, error) {
	const vendorOut = 0x40 // USB_TYPE_VENDOR | USB_RECIP_DEVICE | USB_DIR_OUT
	return d.dev.Control(vendorOut, bRequest, value, index, data)
}

func (d *gousbDevice) Close() error {
	d.ReleaseInterface()
	return d.dev.Close()
}
