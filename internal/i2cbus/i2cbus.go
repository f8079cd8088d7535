// Package i2cbus opens host I2C buses as tinygo drivers.I2C, so the same sensor
// driver runs on a Raspberry Pi and on a microcontroller.
package i2cbus

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/io/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

const (
	BackendDevfs  = "devfs"
	BackendPeriph = "periph"

	// i2c-1 is the default I2C bus for the Raspberry Pi
	DefaultDevfsPath = "/dev/i2c-1"
)

var ErrUnknownBackend = errors.New("i2cbus: unknown backend")

// Bus is an I2C bus the caller must close when done.
type Bus interface {
	drivers.I2C
	Close() error
}

// Open a bus by backend name. For devfs, name is the device node; for periph it
// is the bus name understood by i2creg ("" picks the first bus).
func Open(backend, name string) (Bus, error) {
	switch backend {
	case BackendDevfs, "":
		if name == "" {
			name = DefaultDevfsPath
		}
		return NewDevfs(name), nil
	case BackendPeriph:
		return OpenPeriph(name)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// OpenPeriph initializes the periph.io host drivers and opens the named bus.
func OpenPeriph(name string) (Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("periph open %q: %w", name, err)
	}
	return b, nil
}

// The subset of *i2c.Device used here.
type device interface {
	Read(buf []byte) error
	Write(buf []byte) error
	Close() error
}

// DevfsBus multiplexes a /dev/i2c-N node, which binds one address per open file,
// behind the address-per-transaction Tx interface.
type DevfsBus struct {
	path    string
	open    func(addr uint16) (device, error)
	devices map[uint16]device
	mu      sync.Mutex
}

func NewDevfs(path string) *DevfsBus {
	return &DevfsBus{
		path: path,
		open: func(addr uint16) (device, error) {
			d, err := i2c.Open(&i2c.Devfs{Dev: path}, int(addr))
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		devices: make(map[uint16]device),
	}
}

// Tx writes w then reads r as two separate transactions. Devfs offers no
// repeated start through this interface.
func (b *DevfsBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[addr]
	if !ok {
		var err error
		d, err = b.open(addr)
		if err != nil {
			return fmt.Errorf("failed to open %s at 0x%02X: %w", b.path, addr, err)
		}
		b.devices[addr] = d
	}
	if len(w) > 0 {
		if err := d.Write(w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		if err := d.Read(r); err != nil {
			return err
		}
	}
	return nil
}

func (b *DevfsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for addr, d := range b.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.devices, addr)
	}
	return errors.Join(errs...)
}
