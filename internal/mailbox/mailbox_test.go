package mailbox

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRegs is a scripted register block. onWrite produces the replies for
// a message; fullPolls makes the write slot look busy for a while.
type fakeRegs struct {
	onWrite   func(msg uint32) []uint32
	fullPolls int

	written []uint32
	replies []uint32
}

func (f *fakeRegs) Read32(offset uint32) (uint32, error) {
	switch offset {
	case RegStatus:
		var status uint32
		if f.fullPolls > 0 {
			f.fullPolls--
			status |= StatusFull
		}
		if len(f.replies) == 0 {
			status |= StatusEmpty
		}
		return status, nil
	case RegRead:
		if len(f.replies) == 0 {
			return 0, nil
		}
		v := f.replies[0]
		f.replies = f.replies[1:]
		return v, nil
	default:
		return 0, nil
	}
}

func (f *fakeRegs) Write32(offset uint32, value uint32) error {
	if offset == RegWrite {
		f.written = append(f.written, value)
		if f.onWrite != nil {
			f.replies = append(f.replies, f.onWrite(value)...)
		}
	}
	return nil
}

func TestCallMatchesChannel(t *testing.T) {
	regs := &fakeRegs{
		fullPolls: 2,
		onWrite: func(msg uint32) []uint32 {
			// A stray property reply arrives before ours.
			return []uint32{0x1000 | ChannelProperties, 0x20 | (msg & 0xF)}
		},
	}
	mb := New(regs, WithPollInterval(0))

	got, err := mb.Call(context.Background(), ChannelFramebuffer, 0x3d000010)
	require.NoError(t, err)
	require.Equal(t, uint32(0x20), got)
	require.Equal(t, []uint32{0x3d000011}, regs.written)
}

func TestCallRejectsBadArguments(t *testing.T) {
	mb := New(&fakeRegs{}, WithPollInterval(0))

	_, err := mb.Call(context.Background(), ChannelFramebuffer, 0x3d000008)
	require.ErrorIs(t, err, ErrMisaligned)

	_, err = mb.Call(context.Background(), 16, 0x3d000000)
	require.Error(t, err)
}

func TestCallHonoursContext(t *testing.T) {
	regs := &fakeRegs{}
	mb := New(regs, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := mb.Call(ctx, ChannelFramebuffer, 0x3d000000)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, regs.written, 1)
}

func TestFramebufferChannel(t *testing.T) {
	var status uint32
	regs := &fakeRegs{
		onWrite: func(msg uint32) []uint32 {
			return []uint32{status<<4 | (msg & 0xF)}
		},
	}
	fc := NewFramebufferChannel(New(regs, WithPollInterval(0)), 0xC0000000)

	require.NoError(t, fc.SetFramebuffer(context.Background(), 0x3d000010))
	require.Equal(t, uint32(0xFD000011), regs.written[0])

	status = 1
	err := fc.SetFramebuffer(context.Background(), 0x3d000010)
	require.ErrorIs(t, err, ErrRejected)
}

func TestMemRegisters(t *testing.T) {
	mem := make([]byte, Size)

	regs, err := NewMemRegisters(mem)
	require.NoError(t, err)

	require.NoError(t, regs.Write32(RegWrite, 0xdeadbee1))
	require.Equal(t, uint32(0xdeadbee1), binary.NativeEndian.Uint32(mem[RegWrite:]))

	binary.NativeEndian.PutUint32(mem[RegStatus:], StatusEmpty)
	v, err := regs.Read32(RegStatus)
	require.NoError(t, err)
	require.Equal(t, uint32(StatusEmpty), v)

	_, err = regs.Read32(2)
	require.Error(t, err)
	require.Error(t, regs.Write32(Size, 0))

	_, err = NewMemRegisters(mem[:Size-4])
	require.Error(t, err)
}
