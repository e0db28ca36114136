// Package store implements the Object-Store Dispatcher: a
// registry of Driver implementations selected by URL scheme — an
// interface plus a name-keyed map, resolved once at startup.
package store

import (
	"context"
	"io"
	"net/url"

	"github.com/cuemby/glacier/pkg/regerr"
)

// Driver is the interface every backing store implements.
type Driver interface {
	// Get opens a read stream of the body at location. size is -1 when
	// the driver cannot report it up front (pure streaming sources).
	Get(ctx context.Context, location string) (body io.ReadCloser, size int64, err error)

	// Put streams body to storage under imageID, returning the
	// canonical location URL, the number of bytes actually written, and
	// the MD5 checksum computed over those bytes. expectedSize is a
	// hint (may be 0/unknown); drivers that can detect a mismatch
	// against it may enforce the body size cap themselves.
	Put(ctx context.Context, imageID string, body io.Reader, expectedSize int64) (location string, bytesWritten int64, checksum string, err error)

	// Delete removes the body at location. Drivers that cannot delete
	// (e.g. read-only HTTP) return regerr.StoreDeleteNotSupported.
	Delete(ctx context.Context, location string) error
}

// Dispatcher resolves a Driver by the URL scheme of a location string.
type Dispatcher struct {
	drivers map[string]Driver
}

// NewDispatcher builds a Dispatcher from a scheme → Driver map. The map
// is fixed at startup; no driver is ever registered later.
func NewDispatcher(drivers map[string]Driver) *Dispatcher {
	copied := make(map[string]Driver, len(drivers))
	for scheme, d := range drivers {
		copied[scheme] = d
	}
	return &Dispatcher{drivers: copied}
}

// DriverFor resolves the Driver responsible for location's scheme.
// Unknown schemes report regerr.Invalid (UnknownScheme in spec terms).
func (d *Dispatcher) DriverFor(location string) (Driver, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, regerr.Wrap(regerr.Invalid, "malformed location", err)
	}
	drv, ok := d.drivers[u.Scheme]
	if !ok {
		return nil, regerr.Newf(regerr.Invalid, "unknown store scheme %q", u.Scheme)
	}
	return drv, nil
}

// Get streams location's body through the driver registered for its
// scheme.
func (d *Dispatcher) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	drv, err := d.DriverFor(location)
	if err != nil {
		return nil, 0, err
	}
	return drv.Get(ctx, location)
}

// Put streams body to the named scheme's driver.
func (d *Dispatcher) Put(ctx context.Context, scheme, imageID string, body io.Reader, expectedSize int64) (string, int64, string, error) {
	drv, ok := d.drivers[scheme]
	if !ok {
		return "", 0, "", regerr.Newf(regerr.Invalid, "unknown store scheme %q", scheme)
	}
	return drv.Put(ctx, imageID, body, expectedSize)
}

// Delete removes location's body through the driver for its scheme.
// regerr.StoreDeleteNotSupported from the driver is passed through
// unchanged; callers scheduling deferred deletes are expected to swallow
// that specific kind rather than treat it as a failure.
func (d *Dispatcher) Delete(ctx context.Context, location string) error {
	drv, err := d.DriverFor(location)
	if err != nil {
		return err
	}
	return drv.Delete(ctx, location)
}

// ErrDeleteNotSupported is a convenience constructor for drivers that
// never support deletion.
func ErrDeleteNotSupported(scheme string) error {
	return regerr.Newf(regerr.StoreDeleteNotSupported, "store scheme %q does not support delete", scheme)
}
