package framebuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorWireLayout(t *testing.T) {
	d := Descriptor{
		PhysWidth: 1, PhysHeight: 2, VirtWidth: 3, VirtHeight: 4,
		Pitch: 5, Depth: 6, VirtOffsetX: 7, VirtOffsetY: 8,
		BaseAddr: 0xC0000009, Size: 10,
	}
	buf, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, DescriptorSize)

	// Little-endian words in declaration order.
	require.Equal(t, []byte{1, 0, 0, 0}, buf[0:4])
	require.Equal(t, []byte{5, 0, 0, 0}, buf[16:20])
	require.Equal(t, []byte{6, 0, 0, 0}, buf[20:24])
	require.Equal(t, []byte{0x09, 0, 0, 0xC0}, buf[32:36])
	require.Equal(t, []byte{10, 0, 0, 0}, buf[36:40])

	var back Descriptor
	require.NoError(t, back.UnmarshalBinary(buf))
	require.Equal(t, d, back)

	require.Error(t, back.UnmarshalBinary(buf[:DescriptorSize-1]))
}

func TestGeometryRequestZeroesResponseFields(t *testing.T) {
	for _, depth := range []uint32{8, 16, 24, 32} {
		g := Geometry{Width: 640, Height: 480, VirtualWidth: 640, VirtualHeight: 960, Depth: depth, OffsetY: 480}
		require.NoError(t, g.Validate())

		req := g.Request()
		require.Equal(t, Descriptor{
			PhysWidth: 640, PhysHeight: 480,
			VirtWidth: 640, VirtHeight: 960,
			Depth: depth, VirtOffsetY: 480,
		}, req)
		require.Zero(t, req.Pitch)
		require.Zero(t, req.BaseAddr)
		require.Zero(t, req.Size)
	}
}

func TestGeometryVirtualDefaultsToVisible(t *testing.T) {
	req := Geometry{Width: 800, Height: 480, Depth: 32}.Request()
	require.Equal(t, uint32(800), req.VirtWidth)
	require.Equal(t, uint32(480), req.VirtHeight)
}

func TestGeometryValidate(t *testing.T) {
	require.ErrorIs(t, Geometry{Height: 1, Depth: 32}.Validate(), ErrInvalidGeometry)
	require.ErrorIs(t, Geometry{Width: 1, Depth: 32}.Validate(), ErrInvalidGeometry)
	require.ErrorIs(t, Geometry{Width: 1, Height: 1, Depth: 12}.Validate(), ErrInvalidGeometry)
	require.ErrorIs(t, Geometry{Width: 1, Height: 1}.Validate(), ErrInvalidGeometry)
}

func TestAlignmentOffset(t *testing.T) {
	tests := []struct {
		phys uint64
		want uint64
	}{
		{0, 0},
		{16, 0},
		{0x3d000000, 0},
		{1, 15},
		{8, 8},
		{15, 1},
		{17, 15},
		{0xffffffff, 1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, AlignmentOffset(tt.phys, 16), "phys 0x%x", tt.phys)
	}

	for p := uint64(0x1000); p < 0x1040; p++ {
		off := AlignmentOffset(p, DescriptorAlignment)
		require.Less(t, off, uint64(DescriptorAlignment))
		require.Zero(t, (p+off)%DescriptorAlignment)
	}
}

func TestStripBusAlias(t *testing.T) {
	tests := []struct {
		bus  uint32
		want uint64
	}{
		{0x3E000000, 0x3E000000},
		{0xFE000000, 0x3E000000},
		{0x7E000000, 0x3E000000},
		{0xBE000000, 0x3E000000},
		{0xFFFFFFFF, 0x3FFFFFFF},
		{0, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StripBusAlias(tt.bus), "bus 0x%x", tt.bus)
	}
}
