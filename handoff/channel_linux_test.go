package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParkUnpark(t *testing.T) {
	ch, err := NewChannel(123)
	require.NoError(t, err)

	tracer := WriterFromFd(int(ch.WriteEnd()), 123)
	done := make(chan error, 1)
	go func() { done <- tracer.Unpark() }()

	require.NoError(t, ch.Park())
	require.NoError(t, <-done)
}

func TestParkWrongByte(t *testing.T) {
	ch, err := NewChannel(123)
	require.NoError(t, err)

	require.NoError(t, WriterFromFd(int(ch.WriteEnd()), 7).Unpark())
	assert.EqualError(t, ch.Park(), "handoff: unexpected handshake byte 7, want 123")
}

func TestParkClosed(t *testing.T) {
	ch, err := NewChannel(123)
	require.NoError(t, err)

	require.NoError(t, ch.CloseWrite())
	assert.ErrorIs(t, ch.Park(), ErrClosed)
	assert.NoError(t, ch.CloseWrite())
}

func TestChannelCloseOnExec(t *testing.T) {
	ch, err := NewChannel(123)
	require.NoError(t, err)
	defer ch.CloseWrite()

	for _, fd := range []int{ch.rd, ch.wr} {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		require.NoError(t, err)
		assert.Equal(t, unix.FD_CLOEXEC, flags&unix.FD_CLOEXEC)
	}
	unix.Close(ch.rd)
}

func TestUnparkTwice(t *testing.T) {
	ch, err := NewChannel(123)
	require.NoError(t, err)
	w := WriterFromFd(int(ch.WriteEnd()), 123)

	require.NoError(t, w.Unpark())
	assert.Error(t, w.Unpark())
	require.NoError(t, ch.Park())
}
