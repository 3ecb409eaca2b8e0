package mailbox

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MemRegisters accesses a register block through a mapped byte slice,
// such as a /dev/mem mapping of the peripheral window. The slice must be
// 4 byte aligned.
type MemRegisters struct {
	mem []byte
}

// NewMemRegisters wraps mem, which must cover the whole register block.
func NewMemRegisters(mem []byte) (*MemRegisters, error) {
	if len(mem) < Size {
		return nil, fmt.Errorf("mailbox: register window too small: %d bytes", len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))&3 != 0 {
		return nil, fmt.Errorf("mailbox: register window is not word aligned")
	}
	return &MemRegisters{mem: mem}, nil
}

func (r *MemRegisters) word(offset uint32) (*uint32, error) {
	if offset&3 != 0 || uint64(offset)+4 > uint64(len(r.mem)) {
		return nil, fmt.Errorf("mailbox: bad register offset 0x%x", offset)
	}
	return (*uint32)(unsafe.Pointer(&r.mem[offset])), nil
}

// Read32 implements Registers.
func (r *MemRegisters) Read32(offset uint32) (uint32, error) {
	w, err := r.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

// Write32 implements Registers.
func (r *MemRegisters) Write32(offset uint32, value uint32) error {
	w, err := r.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, value)
	return nil
}

var _ Registers = (*MemRegisters)(nil)
