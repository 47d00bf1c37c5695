// Package driver wires the profile table, rate encoder, device registry,
// trigger matcher and acquisition engine into the host API surface
// described in spec.md §6. It replaces the original's process-wide
// dev_insts global with a registry field on Driver, and its
// new_saleae_logic_firmware global with a per-DeviceInstance Generation.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guiperry/fx2la/internal/acquisition"
	"github.com/guiperry/fx2la/internal/config"
	"github.com/guiperry/fx2la/internal/firmware"
	"github.com/guiperry/fx2la/internal/rate"
	"github.com/guiperry/fx2la/internal/registry"
	"github.com/guiperry/fx2la/internal/sink"
	"github.com/guiperry/fx2la/internal/usbio"
)

// Status codes named after the host API's error taxonomy (spec.md §6).
var (
	ErrGeneric    = errors.New("driver: error")
	ErrMalloc     = errors.New("driver: allocation failed")
	ErrArg        = errors.New("driver: invalid argument")
	ErrBug        = errors.New("driver: internal invariant violated")
	ErrSampleRate = rate.ErrSampleRate
)

// HWCap enumerates hwcap_get_all's fixed capability set.
type HWCap int

const (
	CapLogicAnalyzer HWCap = iota
	CapSampleRate
	CapLimitSamples
	CapContinuous
)

// AllCaps is the fixed capability set every instance of this driver offers.
var AllCaps = []HWCap{CapLogicAnalyzer, CapSampleRate, CapLimitSamples, CapContinuous}

// Driver is the host-facing façade. One process normally owns exactly one
// Driver, but nothing here depends on that: every field it needs lives on
// the struct, not in package-level statics.
type Driver struct {
	mu sync.Mutex

	cfg      config.Config
	reg      *registry.Registry
	uploader firmware.Uploader
	usbCtx   usbio.Context

	engines map[int]*acquisition.Engine
	active  int // index of the single acquisition the host API's stop() targets; -1 if none
}

// New builds a Driver over a live USB context, ready for Init.
func New(cfg config.Config, usbCtx usbio.Context, uploader firmware.Uploader) *Driver {
	reg := registry.New(usbCtx, uploader)
	reg.NumTriggerStages = cfg.NumTriggerStages
	reg.MaxRenumDelay = cfg.MaxRenumDelay
	reg.USBConfiguration = cfg.USBConfiguration
	reg.USBInterface = cfg.USBInterface

	return &Driver{
		cfg:      cfg,
		reg:      reg,
		uploader: uploader,
		usbCtx:   usbCtx,
		engines:  make(map[int]*acquisition.Engine),
		active:   -1,
	}
}

// Init scans the bus and registers every recognized device, uploading
// firmware to any bare device found. Returns the number of candidates.
func (d *Driver) Init() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var image *firmware.HexImage
	if d.cfg.Firmware != "" {
		img, err := firmware.LoadImage(d.cfg.Firmware)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrArg, err)
		}
		image = img
	}
	return d.reg.Init(image)
}

// Open claims the interface for the device at index, blocking (up to
// MaxRenumDelay) if it is still completing USB re-enumeration.
func (d *Driver) Open(index int) error {
	if err := d.reg.Open(index); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// Close releases the device at index back to INACTIVE.
func (d *Driver) Close(index int) error {
	d.mu.Lock()
	if e, ok := d.engines[index]; ok {
		e.Stop()
		e.Wait()
		delete(d.engines, index)
		if d.active == index {
			d.active = -1
		}
	}
	d.mu.Unlock()
	return d.reg.Close(index)
}

// Cleanup closes every device and releases the USB subsystem.
func (d *Driver) Cleanup() error {
	d.mu.Lock()
	for idx, e := range d.engines {
		e.Stop()
		e.Wait()
		delete(d.engines, idx)
	}
	d.active = -1
	d.mu.Unlock()
	return d.reg.Cleanup()
}

func (d *Driver) InfoGet(index int, key registry.InfoKey) (interface{}, error) {
	return d.reg.InfoGet(index, key)
}

func (d *Driver) StatusGet(index int) registry.Status {
	return d.reg.StatusGet(index)
}

// HWCapGetAll returns the fixed capability set (spec.md §6).
func (d *Driver) HWCapGetAll() []HWCap {
	return AllCaps
}

func (d *Driver) ConfigSet(index int, capability registry.Cap, value interface{}) error {
	return d.reg.ConfigSet(index, capability, value)
}

// AcquisitionStart begins streaming from the device at index to sink.
func (d *Driver) AcquisitionStart(index int, sk sink.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	instAny, err := d.reg.InfoGet(index, registry.InfoInstance)
	if err != nil {
		return err
	}
	inst := instAny.(*registry.DeviceInstance)

	dev := inst.USB()
	if dev == nil {
		return fmt.Errorf("%w: device %d is not open", ErrArg, index)
	}

	rateVal, err := d.reg.InfoGet(index, registry.InfoCurSampleRate)
	if err != nil {
		return err
	}
	probesVal, err := d.reg.InfoGet(index, registry.InfoNumProbes)
	if err != nil {
		return err
	}

	engine := acquisition.New()
	d.engines[index] = engine
	d.active = index
	inst.SetEngine(engineAdapter{engine})

	return engine.Start(context.Background(), acquisition.Params{
		Dev:               dev,
		Sink:              sk,
		Matcher:           inst.NewMatcher(),
		NumSimulTransfers: d.cfg.NumSimulTransfers,
		MaxEmptyTransfers: d.cfg.MaxEmptyTransfers,
		SampleLimit:       inst.SampleLimitGet(),
		SampleRate:        rateVal.(uint64),
		NumProbes:         probesVal.(int),
		PretriggerBytes:   d.cfg.PretriggerBytes,
	})
}

// AcquisitionStop stops whichever acquisition is currently active,
// ignoring its index argument, matching the source's single-active-
// acquisition assumption (spec.md §9 flags this as a limit to lift if
// multi-device capture is ever needed).
func (d *Driver) AcquisitionStop(_ int) error {
	d.mu.Lock()
	idx := d.active
	d.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("%w: no acquisition is active", ErrArg)
	}

	d.mu.Lock()
	e, ok := d.engines[idx]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no acquisition is active", ErrArg)
	}
	e.Stop()
	e.Wait()

	d.mu.Lock()
	d.active = -1
	d.mu.Unlock()
	return nil
}

// engineAdapter satisfies registry.Engine (a Stop()-only interface) so
// registry.Close/Cleanup can halt a running acquisition without importing
// package acquisition and creating a cycle.
type engineAdapter struct {
	e *acquisition.Engine
}

func (a engineAdapter) Stop() { a.e.Stop() }
