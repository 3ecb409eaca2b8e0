//go:build linux

package rpi

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Property interface tags for GPU memory management.
const (
	tagAllocateMemory = 0x0003000C
	tagLockMemory     = 0x0003000D
	tagUnlockMemory   = 0x0003000E
	tagReleaseMemory  = 0x0003000F

	tagEnd = 0

	processRequest  = 0x00000000
	responseSuccess = 0x80000000
)

// Allocation flags. directCoherent maps to the 0xC0000000 alias: neither
// L1 nor L2 allocating on the VideoCore side.
const (
	memFlagDirect   = 1 << 2
	memFlagCoherent = 2 << 2
	memFlagZero     = 1 << 4

	directCoherent = memFlagDirect | memFlagCoherent
)

// ioctlMboxProperty is _IOWR(100, 0, char *).
var ioctlMboxProperty = uintptr(3<<30 | uint(unsafe.Sizeof(uintptr(0)))<<16 | 100<<8 | 0)

// vcio talks to the firmware property interface through /dev/vcio.
type vcio struct {
	mu sync.Mutex
	f  *os.File
}

func openVCIO(path string) (*vcio, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rpi: open %s: %w", path, err)
	}
	return &vcio{f: f}, nil
}

func (v *vcio) Close() error { return v.f.Close() }

// property sends a single-tag property message and returns the response
// values.
func (v *vcio) property(tag uint32, values ...uint32) ([]uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	msg := propertyMessage(tag, values...)
	n := len(msg) - 6

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, v.f.Fd(), ioctlMboxProperty, uintptr(unsafe.Pointer(&msg[0])))
	if errno != 0 {
		return nil, fmt.Errorf("rpi: property tag 0x%x: %w", tag, errno)
	}
	if msg[1] != responseSuccess {
		return nil, fmt.Errorf("rpi: property tag 0x%x failed with 0x%x", tag, msg[1])
	}
	return msg[5 : 5+n], nil
}

// propertyMessage builds a one-tag property buffer. The value buffer is
// sized for the larger of request and response, at least one word.
func propertyMessage(tag uint32, values ...uint32) []uint32 {
	n := max(len(values), 1)
	msg := make([]uint32, 6+n)
	msg[0] = uint32(len(msg) * 4)
	msg[1] = processRequest
	msg[2] = tag
	msg[3] = uint32(n * 4)
	msg[4] = uint32(len(values) * 4)
	copy(msg[5:], values)
	msg[5+n] = tagEnd
	return msg
}

func (v *vcio) memAlloc(size, align, flags uint32) (uint32, error) {
	resp, err := v.property(tagAllocateMemory, size, align, flags)
	if err != nil {
		return 0, err
	}
	if resp[0] == 0 {
		return 0, fmt.Errorf("rpi: firmware could not allocate %d bytes", size)
	}
	return resp[0], nil
}

func (v *vcio) memLock(handle uint32) (uint32, error) {
	resp, err := v.property(tagLockMemory, handle)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (v *vcio) memUnlock(handle uint32) error {
	_, err := v.property(tagUnlockMemory, handle)
	return err
}

func (v *vcio) memRelease(handle uint32) error {
	_, err := v.property(tagReleaseMemory, handle)
	return err
}
