// Package registry implements the device registry (C3): enumeration,
// firmware detection and upload, interface claiming, and per-device
// configuration state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/guiperry/fx2la/internal/firmware"
	"github.com/guiperry/fx2la/internal/profile"
	"github.com/guiperry/fx2la/internal/rate"
	"github.com/guiperry/fx2la/internal/trigger"
	"github.com/guiperry/fx2la/internal/usbio"
)

// Status mirrors the host API's status_get values.
type Status int

const (
	NotFound Status = iota
	Initializing
	Inactive
	Active
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	default:
		return "NOT_FOUND"
	}
}

var (
	// ErrArg reports an invalid caller-supplied argument.
	ErrArg = errors.New("registry: invalid argument")
	// ErrUSB reports a failure from the USB transport.
	ErrUSB = errors.New("registry: usb error")
	// ErrBug reports an internal invariant violation.
	ErrBug = errors.New("registry: internal invariant violated")
)

// ProbeRecord is one entry of the probe/trigger configuration accepted by
// config_set(PROBECONFIG, ...).
type ProbeRecord struct {
	Index   int // 1-based
	Enabled bool
	Trigger string // over {'0','1','.'}
}

// DeviceInstance is one registered, possibly-not-yet-firmware-flashed
// candidate device.
type DeviceInstance struct {
	mu sync.Mutex

	Profile profile.Profile
	Status  Status

	// usb is nil until open() successfully claims the interface.
	usb usbio.Device

	// desc is the last descriptor seen for this instance: pre-firmware
	// while INITIALIZING, post-firmware once INACTIVE/ACTIVE.
	desc usbio.Descriptor

	// skip pairs an INITIALIZING instance with the registry index it was
	// created at, so open() can recognize "this is the device I uploaded
	// firmware to" before it has a stable bus/address.
	skip int

	Generation        rate.FirmwareGeneration
	FirmwareUploadedAt time.Time

	CurrentSampleRate uint64
	SampleLimit       uint64
	ProbeCount        int
	ProbeMask         byte

	engine Engine // set by the driver package via SetEngine; nil until first start

	triggerMask  [trigger.NStages]byte
	triggerValue [trigger.NStages]byte
}

// Engine is the narrow surface acquisition.Engine exposes back to the
// registry, avoiding an import cycle between the two packages.
type Engine interface {
	Stop()
}

func (d *DeviceInstance) SetEngine(e Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine = e
}

func (d *DeviceInstance) Engine() Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// TriggerStages returns the configured mask/value pairs for the trigger
// matcher.
func (d *DeviceInstance) TriggerStages() (mask, value [trigger.NStages]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerMask, d.triggerValue
}

func (d *DeviceInstance) USB() usbio.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usb
}

// SampleLimitGet returns the configured sample limit (0 means unlimited).
func (d *DeviceInstance) SampleLimitGet() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.SampleLimit
}

// Registry tracks every DeviceInstance discovered by init, mirroring the
// host API of spec.md §6 as methods instead of free functions operating
// on a process-wide global.
type Registry struct {
	mu sync.Mutex

	ctx      usbio.Context
	uploader firmware.Uploader

	NumTriggerStages int
	MaxRenumDelay    time.Duration
	USBConfiguration int
	USBInterface     int

	devices []*DeviceInstance
}

// New builds a Registry. ctx and uploader are almost always usbio.Gousb
// and firmware.VendorUploader in production, and fakes in tests.
func New(ctx usbio.Context, uploader firmware.Uploader) *Registry {
	return &Registry{
		ctx:              ctx,
		uploader:         uploader,
		NumTriggerStages: trigger.NStages,
		MaxRenumDelay:    3000 * time.Millisecond,
		USBConfiguration: 1,
		USBInterface:     0,
	}
}

// hasFirmware implements the firmware-presence predicate of §4.3.1.
func hasFirmware(d usbio.Descriptor) (present bool, gen rate.FirmwareGeneration) {
	if d.NumConfigs != 1 || d.NumInterfaces != 1 || d.NumAltSettings != 1 {
		return false, rate.Legacy
	}
	switch d.NumEndpoints {
	case 2:
		gen = rate.Legacy
	case 4:
		gen = rate.New
	default:
		return false, rate.Legacy
	}
	if d.EndpointAddr[0]&0x8F != (1 | 0x00) { // 1 | OUT
		return false, gen
	}
	if d.EndpointAddr[1]&0x8F != (2 | 0x80) { // 2 | IN
		return false, gen
	}
	return true, gen
}

// Init scans the USB bus, registers a DeviceInstance for every candidate
// matching the profile table, uploading firmware to those that need it.
// It never aborts on a per-device error: failures are logged and that
// candidate is skipped.
func (r *Registry) Init(fw *firmware.HexImage) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates, err := r.ctx.ListCandidates()
	if err != nil {
		return 0, fmt.Errorf("%w: list candidates: %v", ErrUSB, err)
	}

	r.devices = nil
	count := 0
	for _, c := range candidates {
		var p profile.Profile
		var ok bool
		var firmwarePresent bool
		var gen rate.FirmwareGeneration

		if p, ok = profile.MatchFirmware(c.Vendor, c.Product); ok {
			if present, g := hasFirmware(c); present {
				firmwarePresent = true
				gen = g
			}
		}
		if !ok {
			p, ok = profile.MatchOriginal(c.Vendor, c.Product)
		}
		if !ok {
			continue
		}

		inst := &DeviceInstance{Profile: p}
		if firmwarePresent {
			inst.Status = Inactive
			inst.desc = c
			inst.Generation = gen
		} else {
			inst.Status = Initializing
			inst.desc = c
			inst.skip = len(r.devices)
			if err := r.uploadFirmware(c, fw); err != nil {
				log.Printf("registry: firmware upload failed for %04x:%04x: %v", c.Vendor, c.Product, err)
				continue
			}
			inst.FirmwareUploadedAt = time.Now()
		}
		r.devices = append(r.devices, inst)
		count++
	}
	return count, nil
}

func (r *Registry) uploadFirmware(c usbio.Descriptor, fw *firmware.HexImage) error {
	if fw == nil {
		return fmt.Errorf("%w: no firmware image configured", ErrArg)
	}
	dev, err := r.ctx.Open(c)
	if err != nil {
		return fmt.Errorf("%w: open for upload: %v", ErrUSB, err)
	}
	defer dev.Close()
	return r.uploader.Upload(context.Background(), dev, fw)
}

// Open waits for a device that just received firmware to re-enumerate,
// then claims its interface.
func (r *Registry) Open(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.at(index)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	status := inst.Status
	skip := inst.skip
	wantDesc := inst.desc
	inst.mu.Unlock()

	if status == Active {
		return nil
	}

	var desc usbio.Descriptor
	var found bool

	if status == Initializing {
		desc, found = r.waitForRenum(func(c usbio.Descriptor) bool {
			return c.Bus == wantDesc.Bus && index == skip
		})
	} else if status == Inactive {
		desc, found = r.waitForRenum(func(c usbio.Descriptor) bool {
			return c.Bus == wantDesc.Bus && c.Address == wantDesc.Address
		})
	}
	if !found {
		// Fall back to whatever descriptor we already recorded (the
		// common case once firmware is already present and stable).
		desc = wantDesc
	}

	dev, err := r.ctx.Open(desc)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrUSB, err)
	}
	if err := dev.ClaimInterface(r.USBConfiguration, r.USBInterface); err != nil {
		dev.Close()
		return fmt.Errorf("%w: claim interface: %v", ErrUSB, err)
	}

	present, gen := hasFirmware(dev.Descriptor())

	inst.mu.Lock()
	inst.usb = dev
	inst.desc = dev.Descriptor()
	if present {
		inst.Generation = gen
	}
	inst.Status = Active
	if inst.CurrentSampleRate == 0 {
		inst.CurrentSampleRate = rate.Supported[0]
	}
	if inst.ProbeCount == 0 {
		inst.ProbeCount = inst.Profile.Probes
	}
	hz, genNow := inst.CurrentSampleRate, inst.Generation
	inst.mu.Unlock()

	if err := writeRate(dev, hz, genNow); err != nil {
		return fmt.Errorf("%w: program samplerate: %v", ErrUSB, err)
	}
	return nil
}

// bulkOutEndpoint is the Cypress FX2 OUT endpoint the rate command is
// written to (§4.2, §6).
const bulkOutEndpoint = 0x01

// rateWriteTimeout bounds the bulk-OUT write that programs the sample
// rate divider (§6).
const rateWriteTimeout = 500 * time.Millisecond

// writeRate encodes hz/gen into the 2-byte [cmd, divider] packet and
// writes it to the bulk-OUT endpoint, so the device clock actually gets
// programmed instead of only being tracked in CurrentSampleRate.
func writeRate(dev usbio.Device, hz uint64, gen rate.FirmwareGeneration) error {
	pkt, err := rate.Packet(hz, gen)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rateWriteTimeout)
	defer cancel()
	_, err = dev.BulkWrite(ctx, bulkOutEndpoint, pkt)
	return err
}

// waitForRenum polls ListCandidates per the policy of spec.md §4.3:
// sleep 300ms, then poll every 100ms, up to MaxRenumDelay.
func (r *Registry) waitForRenum(match func(usbio.Descriptor) bool) (usbio.Descriptor, bool) {
	deadline := time.Now().Add(r.MaxRenumDelay)
	time.Sleep(300 * time.Millisecond)
	for {
		candidates, err := r.ctx.ListCandidates()
		if err == nil {
			for _, c := range candidates {
				if match(c) {
					return c, true
				}
			}
		}
		if time.Now().After(deadline) {
			return usbio.Descriptor{}, false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Close releases the interface and closes the USB handle, returning the
// instance to INACTIVE.
func (r *Registry) Close(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.at(index)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if e := inst.engine; e != nil {
		e.Stop()
	}
	if inst.usb != nil {
		if err := inst.usb.ReleaseInterface(); err != nil {
			log.Printf("registry: release interface index=%d: %v", index, err)
		}
		if err := inst.usb.Close(); err != nil {
			log.Printf("registry: close usb handle index=%d: %v", index, err)
		}
		inst.usb = nil
	}
	inst.Status = Inactive
	return nil
}

// Cleanup closes every device, clears the registry, and releases the USB
// context.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, inst := range r.devices {
		inst.mu.Lock()
		if e := inst.engine; e != nil {
			e.Stop()
		}
		if inst.usb != nil {
			if err := inst.usb.ReleaseInterface(); err != nil {
				log.Printf("registry: cleanup release index=%d: %v", i, err)
			}
			if err := inst.usb.Close(); err != nil {
				log.Printf("registry: cleanup close index=%d: %v", i, err)
			}
			inst.usb = nil
		}
		inst.mu.Unlock()
	}
	r.devices = nil
	return r.ctx.Close()
}

// StatusGet reports the status of a registry index, or NotFound if the
// index is out of range.
func (r *Registry) StatusGet(index int) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.at(index)
	if err != nil {
		return NotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.Status
}

// InfoKey enumerates the info_get keys of spec.md §6.
type InfoKey int

const (
	InfoInstance InfoKey = iota
	InfoNumProbes
	InfoProbeNames
	InfoSampleRates
	InfoTriggerTypes
	InfoCurSampleRate
)

// InfoGet returns the requested piece of static or current device info.
func (r *Registry) InfoGet(index int, key InfoKey) (interface{}, error) {
	r.mu.Lock()
	inst, err := r.at(index)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch key {
	case InfoInstance:
		return inst, nil
	case InfoNumProbes:
		return inst.ProbeCount, nil
	case InfoProbeNames:
		names := make([]string, inst.ProbeCount)
		for i := range names {
			names[i] = fmt.Sprintf("%d", i+1)
		}
		return names, nil
	case InfoSampleRates:
		return rate.Supported, nil
	case InfoTriggerTypes:
		return []string{"0", "1", "."}, nil
	case InfoCurSampleRate:
		return inst.CurrentSampleRate, nil
	default:
		return nil, fmt.Errorf("%w: unknown info key %d", ErrArg, key)
	}
}

// Cap enumerates the config_set capability names of spec.md §6.
type Cap int

const (
	CapSampleRate Cap = iota
	CapProbeConfig
	CapLimitSamples
)

// ConfigSet applies one configuration capability to a device instance.
func (r *Registry) ConfigSet(index int, capability Cap, value interface{}) error {
	r.mu.Lock()
	inst, err := r.at(index)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch capability {
	case CapSampleRate:
		hz, ok := value.(uint64)
		if !ok {
			return fmt.Errorf("%w: SAMPLERATE expects uint64", ErrArg)
		}
		if !rate.IsSupported(hz) {
			return rate.ErrSampleRate
		}
		inst.CurrentSampleRate = hz
		if inst.usb != nil {
			if err := writeRate(inst.usb, hz, inst.Generation); err != nil {
				return fmt.Errorf("%w: program samplerate: %v", ErrUSB, err)
			}
		}
		return nil

	case CapLimitSamples:
		n, ok := value.(uint64)
		if !ok {
			return fmt.Errorf("%w: LIMIT_SAMPLES expects uint64", ErrArg)
		}
		inst.SampleLimit = n
		return nil

	case CapProbeConfig:
		probes, ok := value.([]ProbeRecord)
		if !ok {
			return fmt.Errorf("%w: PROBECONFIG expects []ProbeRecord", ErrArg)
		}
		mask, tmask, tvalue, err := buildProbeConfig(probes, r.NumTriggerStages)
		if err != nil {
			return err
		}
		inst.ProbeMask = mask
		inst.triggerMask = tmask
		inst.triggerValue = tvalue
		return nil

	default:
		return fmt.Errorf("%w: unknown capability %d", ErrArg, capability)
	}
}

// buildProbeConfig implements §4.3.2: probe_mask/trigger_mask/trigger_value
// construction from a list of probe records.
func buildProbeConfig(probes []ProbeRecord, numStages int) (mask byte, tmask, tvalue [trigger.NStages]byte, err error) {
	anyTrigger := false
	for _, p := range probes {
		if !p.Enabled {
			continue
		}
		if p.Index < 1 {
			return 0, tmask, tvalue, fmt.Errorf("%w: probe index %d out of range", ErrArg, p.Index)
		}
		mask |= 1 << uint(p.Index-1)

		if len(p.Trigger) == 0 {
			continue
		}
		if len(p.Trigger) > numStages {
			return 0, tmask, tvalue, fmt.Errorf("%w: trigger string for probe %d exceeds %d stages", ErrArg, p.Index, numStages)
		}
		anyTrigger = true
		bit := uint(p.Index - 1)
		for stage, ch := range p.Trigger {
			switch ch {
			case '0':
				tmask[stage] |= 1 << bit
			case '1':
				tmask[stage] |= 1 << bit
				tvalue[stage] |= 1 << bit
			case '.':
				// don't-care: neither mask nor value bit set
			default:
				return 0, tmask, tvalue, fmt.Errorf("%w: invalid trigger character %q", ErrArg, ch)
			}
		}
	}
	if !anyTrigger {
		// No active mask bit in any stage ⇒ trigger.New will start the
		// matcher already Fired, matching trigger_stage=FIRED.
		tmask = [trigger.NStages]byte{}
	}
	return mask, tmask, tvalue, nil
}

// NewMatcher builds a trigger.Matcher from the instance's current
// configuration, for the acquisition engine to drive.
func (d *DeviceInstance) NewMatcher() *trigger.Matcher {
	mask, value := d.TriggerStages()
	return trigger.New(mask, value)
}

func (r *Registry) at(index int) (*DeviceInstance, error) {
	if index < 0 || index >= len(r.devices) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrArg, index)
	}
	return r.devices[index], nil
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
