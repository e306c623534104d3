//go:build linux

// Package uio maps a controller's register window through the Linux
// userspace I/O framework and forwards its interrupt to the fast stage.
package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"omapi2c/core"
)

// ErrClosed is returned by operations on a closed Device.
var ErrClosed = errors.New("uio: device closed")

// Device is an open /dev/uioN node with one memory map in place.
type Device struct {
	fd  int
	mem []byte
	log logrus.FieldLogger

	// mu guards closed and registration on serving; Close waits for every
	// ServeIRQ to return before the window is unmapped.
	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	serving sync.WaitGroup
}

// Open maps size bytes of memory map index of the UIO node at path.
func Open(path string, index, size int, log logrus.FieldLogger) (*Device, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// UIO selects map N by an offset of N pages.
	off := int64(index) * int64(unix.Getpagesize())
	mem, err := unix.Mmap(fd, off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping %s map%d: %w", path, index, err)
	}
	d := &Device{fd: fd, mem: mem, log: log.WithField("uio", path), stop: make(chan struct{})}
	d.log.WithFields(logrus.Fields{"map": index, "size": size}).Debug("register window mapped")
	return d, nil
}

// MapSize reads the size of memory map index of uio device name
// (e.g. "uio0") from sysfs.
func MapSize(name string, index int) (int, error) {
	p := filepath.Join("/sys/class/uio", name, "maps", fmt.Sprintf("map%d", index), "size")
	b, err := os.ReadFile(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", p, err)
	}
	return int(n), nil
}

func (d *Device) reg16(offset uint32) *uint16 {
	if int(offset)+2 > len(d.mem) || offset&1 != 0 {
		panic(fmt.Sprintf("uio: register offset 0x%x outside window", offset))
	}
	return (*uint16)(unsafe.Pointer(&d.mem[offset]))
}

// Read16 implements core.RegisterPort.
func (d *Device) Read16(offset uint32) uint16 {
	return *d.reg16(offset)
}

// Write16 implements core.RegisterPort.
func (d *Device) Write16(offset uint32, value uint16) {
	*d.reg16(offset) = value
}

// Close stops any running ServeIRQ, waits for it to return, then unmaps the
// window and closes the node.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.stop)
	d.mu.Unlock()
	d.serving.Wait()

	err := unix.Munmap(d.mem)
	if cerr := unix.Close(d.fd); err == nil {
		err = cerr
	}
	return err
}

// ServeIRQ re-enables the interrupt, waits for it and hands it to handle,
// until ctx is done or the device is closed. Each wakeup reads the 32-bit
// event counter.
func (d *Device) ServeIRQ(ctx context.Context, handle func() core.IRQReturn) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.serving.Add(1)
	d.mu.Unlock()
	defer d.serving.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	enable := make([]byte, 4)
	binary.LittleEndian.PutUint32(enable, 1)
	return irqLoop(ctx, d.fd, func() error {
		_, err := unix.Write(d.fd, enable)
		return err
	}, handle, d.log)
}

// pollTimeoutMs bounds each wait so cancellation is noticed.
const pollTimeoutMs = 100

func irqLoop(ctx context.Context, fd int, unmask func() error, handle func() core.IRQReturn, log logrus.FieldLogger) error {
	var count [4]byte
	var last uint32
	for {
		if err := unmask(); err != nil {
			return fmt.Errorf("enabling interrupt: %w", err)
		}
		for {
			if ctx.Err() != nil {
				return nil
			}
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, pollTimeoutMs)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("waiting for interrupt: %w", err)
			}
			if n > 0 {
				break
			}
		}
		if _, err := unix.Read(fd, count[:]); err != nil {
			return fmt.Errorf("reading interrupt count: %w", err)
		}
		total := binary.LittleEndian.Uint32(count[:])
		if last != 0 && total-last > 1 {
			log.WithField("missed", total-last-1).Debug("coalesced interrupts")
		}
		last = total
		if handle() == core.IRQNone {
			log.Debug("spurious interrupt")
		}
	}
}
