package chipset

// Region is a window of the peripheral address space.
type Region struct {
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// covers reports whether an access of n bytes at addr lies inside r.
func (r Region) covers(addr, n uint64) bool {
	return addr >= r.Base && addr+n >= addr && addr+n <= r.End()
}

func (r Region) overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Handler serves register accesses. addr is the absolute bus address and
// len(data) the access width.
type Handler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Lifecycle is driven by the bus for every attached device.
type Lifecycle interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is a peripheral attached to the bus.
type Device interface {
	Handler
	Lifecycle

	// Regions lists the windows the device decodes.
	Regions() []Region
}

// Interrupt is an edge-triggered line from a device to the ARM.
type Interrupt interface {
	Pulse()
}

// InterruptFunc adapts a function to Interrupt. A nil InterruptFunc is a
// line that is not connected.
type InterruptFunc func()

func (f InterruptFunc) Pulse() {
	if f != nil {
		f()
	}
}

// Disconnected is an interrupt line that goes nowhere.
var Disconnected Interrupt = InterruptFunc(nil)
