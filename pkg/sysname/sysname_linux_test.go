package sysname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestToSyscallName(t *testing.T) {
	tests := []struct {
		no   uint
		want string
	}{
		{unix.SYS_READ, "read"},
		{unix.SYS_POLL, "poll"},
		{unix.SYS_PPOLL, "ppoll"},
		{unix.SYS_EPOLL_PWAIT, "epoll_pwait"},
	}
	for _, tt := range tests {
		got, err := ToSyscallName(tt.no)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNameFallback(t *testing.T) {
	assert.Equal(t, "syscall(-1)", Name(^uint(0)))
}
