package videocore

import (
	"github.com/tinyrange/vcfb/internal/chipset"
	"github.com/tinyrange/vcfb/internal/mailbox"
)

// Registers exposes a mailbox register block on a peripheral bus to the
// ARM-side mailbox driver.
type Registers struct {
	bus  *chipset.Bus
	base uint64
}

// NewRegisters returns mailbox registers at base on bus.
func NewRegisters(bus *chipset.Bus, base uint64) *Registers {
	return &Registers{bus: bus, base: base}
}

// Read32 implements mailbox.Registers.
func (r *Registers) Read32(offset uint32) (uint32, error) {
	return r.bus.Read32(r.base + uint64(offset))
}

// Write32 implements mailbox.Registers.
func (r *Registers) Write32(offset uint32, value uint32) error {
	return r.bus.Write32(r.base+uint64(offset), value)
}

var _ mailbox.Registers = (*Registers)(nil)
