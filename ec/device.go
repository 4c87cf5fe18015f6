// ec/device.go
package ec

import (
	"errors"
	"io/fs"
	"sync"

	"golang.org/x/sys/unix"

	"fanctl-go/errcode"
)

// DefaultPath is the debugfs window onto the EC memory, present when the
// ec_sys kernel module is loaded. Writes additionally require the module's
// write_support=1 option.
const DefaultPath = "/sys/kernel/debug/ec/ec0/io"

// Device is the EC accessor: bounded positional reads and writes against the
// 256-byte controller window, plus the read-modify-write primitive for
// single-bit fields. All I/O goes through one file handle; a mutex makes the
// RMW sequence a single critical section.
type Device struct {
	mu       sync.Mutex
	fd       int
	path     string
	writable bool
}

// Open opens the EC io file, read-write first, read-only as a fallback.
// The caller can check Writable to decide whether control commands are
// possible at all.
func Open(path string) (*Device, error) { return OpenMode(path, false) }

// OpenMode opens the EC io file. With readOnly set no write access is ever
// requested; write calls then fail with access_denied.
func OpenMode(path string, readOnly bool) (*Device, error) {
	if path == "" {
		path = DefaultPath
	}
	writable := false
	var fd int
	var err error
	if !readOnly {
		fd, err = unix.Open(path, unix.O_RDWR, 0)
		writable = err == nil
	}
	if !writable {
		fd, err = unix.Open(path, unix.O_RDONLY, 0)
	}
	if err != nil {
		return nil, classify("open "+path, err)
	}
	return &Device{fd: fd, path: path, writable: writable}, nil
}

// Writable reports whether the device was opened with write access.
func (d *Device) Writable() bool { return d.writable }

// Path returns the backing file path.
func (d *Device) Path() string { return d.path }

// Close releases the file handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// ReadByte reads the single byte at offset.
func (d *Device) ReadByte(offset uint8) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readByteLocked(offset)
}

// ReadWord reads a big-endian two-byte pair starting at offset. Both bytes
// come from one pread on the open handle; the underlying interface gives no
// atomicity guarantee, this only narrows the torn-read window during a
// firmware update tick.
func (d *Device) ReadWord(offset uint8) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [2]byte
	n, err := unix.Pread(d.fd, buf[:], int64(offset))
	if err != nil {
		return 0, classify("read word", err)
	}
	if n != 2 {
		return 0, errcode.New(errcode.PartialIO, "read word", nil)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// WriteByte writes the single byte at offset.
func (d *Device) WriteByte(offset uint8, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeByteLocked(offset, value)
}

// ReadBit reads one bit of the byte at offset.
func (d *Device) ReadBit(offset, bit uint8) (bool, error) {
	b, err := d.ReadByte(offset)
	if err != nil {
		return false, err
	}
	return b&(1<<bit) != 0, nil
}

// WriteBit sets or clears a single bit at offset. It reads the current
// byte, modifies only the target bit, and writes the full byte back inside
// one critical section. A blind write would corrupt the unrelated controller
// state carried by the other seven bits.
func (d *Device) WriteBit(offset, bit uint8, set bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.readByteLocked(offset)
	if err != nil {
		return err
	}
	next := cur
	if set {
		next |= 1 << bit
	} else {
		next &^= 1 << bit
	}
	if next == cur {
		return nil
	}
	return d.writeByteLocked(offset, next)
}

func (d *Device) readByteLocked(offset uint8) (byte, error) {
	var buf [1]byte
	n, err := unix.Pread(d.fd, buf[:], int64(offset))
	if err != nil {
		return 0, classify("read byte", err)
	}
	if n != 1 {
		return 0, errcode.New(errcode.PartialIO, "read byte", nil)
	}
	return buf[0], nil
}

func (d *Device) writeByteLocked(offset uint8, value byte) error {
	if !d.writable {
		return errcode.New(errcode.AccessDenied, "write byte", nil)
	}
	n, err := unix.Pwrite(d.fd, []byte{value}, int64(offset))
	if err != nil {
		return classify("write byte", err)
	}
	if n != 1 {
		return errcode.New(errcode.PartialIO, "write byte", nil)
	}
	return nil
}

// classify maps OS errors onto the stable code taxonomy. Missing file means
// the kernel module is not loaded; EACCES/EPERM means it is loaded without
// write support or the caller lacks privilege.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENOENT):
		return errcode.New(errcode.HardwareUnavailable, op, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errcode.New(errcode.AccessDenied, op, err)
	}
	return errcode.New(errcode.Error, op, err)
}
