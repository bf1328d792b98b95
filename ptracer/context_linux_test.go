package ptracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestContextRegisters(t *testing.T) {
	ctx := &Context{Pid: 60}
	ctx.SetSyscallNo(unix.SYS_POLL)
	assert.Equal(t, uint(unix.SYS_POLL), ctx.SyscallNo())

	ctx.SkipSyscall()
	assert.Equal(t, ^uint(0), ctx.SyscallNo())

	ctx.SetReturnValue(-int(unix.EINTR))
	assert.Equal(t, -int(unix.EINTR), ctx.ReturnValue())
}
