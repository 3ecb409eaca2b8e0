package chipset

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type regFile struct {
	base  uint64
	regs  map[uint64]uint32
	log   *[]string
	name  string
	stuck bool
}

func newRegFile(name string, base uint64, log *[]string) *regFile {
	return &regFile{name: name, base: base, regs: make(map[uint64]uint32), log: log}
}

func (d *regFile) Start() error { *d.log = append(*d.log, "start "+d.name); return nil }
func (d *regFile) Stop() error  { *d.log = append(*d.log, "stop "+d.name); return nil }
func (d *regFile) Reset() error {
	if d.stuck {
		return errors.New("stuck")
	}
	return nil
}

func (d *regFile) Regions() []Region { return []Region{{Base: d.base, Size: 0x10}} }

func (d *regFile) ReadMMIO(addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, d.regs[addr-d.base])
	return nil
}

func (d *regFile) WriteMMIO(addr uint64, data []byte) error {
	d.regs[addr-d.base] = binary.LittleEndian.Uint32(data)
	return nil
}

func TestBusRoutesAccesses(t *testing.T) {
	var log []string
	hi := newRegFile("hi", 0x2000, &log)
	lo := newRegFile("lo", 0x1000, &log)

	b := NewBuilder()
	require.NoError(t, b.Attach("hi", hi))
	require.NoError(t, b.Attach("lo", lo))
	bus := b.Build()

	require.NoError(t, bus.Write32(0x2004, 0xcafe))
	require.Equal(t, uint32(0xcafe), hi.regs[4])
	require.Empty(t, lo.regs)

	require.NoError(t, bus.Write32(0x100c, 7))
	v, err := bus.Read32(0x100c)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)

	for _, addr := range []uint64{0x0, 0x1010, 0x3000, 0x100e} {
		_, err = bus.Read32(addr)
		require.ErrorIs(t, err, ErrUnmapped, "0x%x", addr)
	}

	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop())
	require.Equal(t, []string{"start hi", "start lo", "stop lo", "stop hi"}, log)
}

func TestAttachRejects(t *testing.T) {
	var log []string
	b := NewBuilder()
	require.NoError(t, b.Attach("a", newRegFile("a", 0x1000, &log)))
	require.ErrorContains(t, b.Attach("b", newRegFile("b", 0x1008, &log)), "overlaps")
	require.Error(t, b.Attach("a", newRegFile("a", 0x4000, &log)))
	require.Error(t, b.Attach("", newRegFile("", 0x5000, &log)))
	require.Error(t, b.Attach("nil", nil))
}

func TestResetNamesFailingDevice(t *testing.T) {
	var log []string
	d := newRegFile("vc", 0x1000, &log)
	d.stuck = true

	b := NewBuilder()
	require.NoError(t, b.Attach("vc", d))
	require.ErrorContains(t, b.Build().Reset(), `"vc"`)
}

func TestInterruptFunc(t *testing.T) {
	n := 0
	InterruptFunc(func() { n++ }).Pulse()
	require.Equal(t, 1, n)

	Disconnected.Pulse()
}
