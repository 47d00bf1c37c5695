// Package usbio is the thin seam between the acquisition driver and the
// USB transport. It wraps github.com/google/gousb with exactly the
// operations the rest of the driver needs, so the upper layers (registry,
// acquisition, firmware) can be tested against a fake without touching a
// real bus.
package usbio

import "context"

// Descriptor is the subset of a USB device descriptor the firmware
// presence predicate (§4.3.1) and the registry need to see, independent
// of gousb's own descriptor types.
type Descriptor struct {
	Bus, Address     int
	Vendor, Product  uint16
	NumConfigs       int
	NumInterfaces    int
	NumAltSettings   int
	NumEndpoints     int
	EndpointAddr     [2]byte // first two endpoint addresses, ordered by endpoint number
}

// Context enumerates and opens candidate devices. It is implemented by
// Gousb for production use and by a fake in the registry's tests.
type Context interface {
	// ListCandidates returns a descriptor for every USB device currently
	// on the bus. Filtering against the profile table happens above this
	// layer.
	ListCandidates() ([]Descriptor, error)
	// Open opens the device identified by d for configuration and I/O.
	Open(d Descriptor) (Device, error)
	// Close releases the underlying USB context.
	Close() error
}

// Device is an opened USB device, claimed or not.
type Device interface {
	Descriptor() Descriptor
	// ClaimInterface sets the given configuration and claims the given
	// interface/altsetting 0. It opens no endpoints itself; BulkRead and
	// BulkWrite open the endpoint they address on first use.
	ClaimInterface(config, iface int) error
	ReleaseInterface() error

	BulkWrite(ctx context.Context, epAddr byte, data []byte) (int, error)
	BulkRead(ctx context.Context, epAddr byte, buf []byte) (int, error)

	// ControlWrite issues a vendor control transfer, used by the
	// firmware uploader to halt/run the 8051 and write code RAM.
	ControlWrite(ctx context.Context, bRequest byte, value, index uint16, data []byte) (int, error)

	Close() error
}
