package zygote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote-inject/ptracer"
)

var injectableSet = []uint{
	unix.SYS_SELECT,
	unix.SYS_PSELECT6,
	unix.SYS_POLL,
	unix.SYS_PPOLL,
	unix.SYS_EPOLL_WAIT,
	unix.SYS_EPOLL_WAIT_OLD,
	unix.SYS_EPOLL_PWAIT,
}

func TestInjectableExact(t *testing.T) {
	want := map[uint]bool{}
	for _, no := range injectableSet {
		want[no] = true
	}
	count := 0
	for no := uint(0); no < 1024; no++ {
		got := Injectable(no)
		assert.Equal(t, want[no], got, "syscall %d", no)
		if got {
			count++
		}
	}
	assert.Equal(t, 7, count)
	assert.False(t, Injectable(unix.SYS_READ))
	assert.False(t, Injectable(unix.SYS_WRITE))
	assert.False(t, Injectable(^uint(0)))
}

// fakeOps 用调用号队列模拟每次 GetRegs 读到的寄存器
type fakeOps struct {
	calls    []string
	sysnos   []uint
	seizeErr error
	setErr   error
}

func (f *fakeOps) Seize(pid int, opts ptracer.Options) error {
	f.calls = append(f.calls, fmt.Sprintf("seize %d %d", pid, uint(opts)))
	return f.seizeErr
}

func (f *fakeOps) Detach(pid int, sig unix.Signal) error {
	f.calls = append(f.calls, fmt.Sprintf("detach %d", pid))
	return nil
}

func (f *fakeOps) Resume(pid int, mode ptracer.ResumeMode, sig unix.Signal) error {
	f.calls = append(f.calls, fmt.Sprintf("resume %d %v %d", pid, mode, int(sig)))
	return nil
}

func (f *fakeOps) EventMsg(pid int) (int, error) { return 0, nil }

func (f *fakeOps) GetRegs(pid int) (*ptracer.Context, error) {
	ctx := &ptracer.Context{Pid: pid}
	if len(f.sysnos) > 0 {
		ctx.SetSyscallNo(f.sysnos[0])
		f.sysnos = f.sysnos[1:]
	}
	f.calls = append(f.calls, fmt.Sprintf("getregs %d", pid))
	return ctx, nil
}

func (f *fakeOps) SetRegs(ctx *ptracer.Context) error {
	f.calls = append(f.calls, fmt.Sprintf("setregs %d sysno=%d ret=%d", ctx.Pid, int(ctx.SyscallNo()), ctx.ReturnValue()))
	return f.setErr
}

func (f *fakeOps) Signal(pid int, sig unix.Signal) error {
	f.calls = append(f.calls, fmt.Sprintf("kill %d %v", pid, sig))
	return nil
}

type scriptedWaiter struct {
	statuses []unix.WaitStatus
	pids     []int
}

func (w *scriptedWaiter) Wait4(pid int, ws *unix.WaitStatus, options int) (int, error) {
	w.pids = append(w.pids, pid)
	if len(w.statuses) == 0 {
		return 0, unix.ECHILD
	}
	*ws = w.statuses[0]
	w.statuses = w.statuses[1:]
	return pid, nil
}

func stopStatus(sig unix.Signal, event int) unix.WaitStatus {
	return unix.WaitStatus(uint32(event)<<16 | uint32(sig)<<8 | 0x7f)
}

var (
	initialStop = stopStatus(unix.SIGSTOP, unix.PTRACE_EVENT_STOP)
	syscallStop = stopStatus(unix.SIGTRAP|0x80, 0)
)

func newInjector(ops *fakeOps, statuses ...unix.WaitStatus) (*Injector, *scriptedWaiter) {
	w := &scriptedWaiter{statuses: statuses}
	return New(60, ops, ptracer.NewLoop(w, nil), nil), w
}

// TestInjection poll 上的系统调用停止触发改写、恢复、再改写，read 不会触发
func TestInjection(t *testing.T) {
	ops := &fakeOps{sysnos: []uint{unix.SYS_READ, unix.SYS_POLL, ^uint(0)}}
	in, w := newInjector(ops,
		initialStop,
		syscallStop, // read
		stopStatus(unix.SIGCONT, 0),
		stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_CLONE),
		syscallStop, // poll
		syscallStop, // poll 出口
	)

	require.NoError(t, in.Run())

	want := []string{
		"seize 60 0",
		"kill 60 continued",
		"resume 60 syscall 0",
		"getregs 60",
		"resume 60 syscall 0",
		fmt.Sprintf("resume 60 syscall %d", int(unix.SIGCONT)),
		"resume 60 syscall 0",
		"getregs 60",
		"setregs 60 sysno=-1 ret=0",
		"resume 60 syscall 0",
		"getregs 60",
		fmt.Sprintf("setregs 60 sysno=-1 ret=%d", -int(unix.EINTR)),
	}
	if diff := cmp.Diff(want, ops.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, PhaseDone, in.Phase())
	assert.Equal(t, uint(unix.SYS_POLL), in.Injected())
	for _, pid := range w.pids {
		assert.Equal(t, 60, pid)
	}
}

func TestSingleInjection(t *testing.T) {
	ops := &fakeOps{sysnos: []uint{unix.SYS_EPOLL_PWAIT, unix.SYS_EPOLL_PWAIT}}
	in, w := newInjector(ops, stopStatus(unix.SIGSTOP, 0), syscallStop, syscallStop, syscallStop)

	require.NoError(t, in.Run())
	// 出口停止之后不再扫描
	assert.Len(t, w.statuses, 1)
	n := len(ops.calls)

	assert.ErrorIs(t, in.Run(), ErrAlreadyInjected)
	assert.Len(t, ops.calls, n)
}

func TestUnexpectedInitialEvent(t *testing.T) {
	ops := &fakeOps{}
	in, _ := newInjector(ops, syscallStop)

	assert.ErrorContains(t, in.Run(), "unexpected initial event")
	assert.Equal(t, PhaseResuming, in.Phase())
	assert.Equal(t, []string{"seize 60 0"}, ops.calls)
}

func TestSeizeFailure(t *testing.T) {
	ops := &fakeOps{seizeErr: unix.EPERM}
	in, w := newInjector(ops, initialStop)

	assert.ErrorIs(t, in.Run(), unix.EPERM)
	assert.Empty(t, w.pids)
	assert.ErrorIs(t, in.Run(), ErrAlreadyInjected)
}

func TestSetRegsFailure(t *testing.T) {
	ops := &fakeOps{sysnos: []uint{unix.SYS_PPOLL}, setErr: errors.New("EIO")}
	in, _ := newInjector(ops, initialStop, syscallStop)

	assert.ErrorContains(t, in.Run(), "failed to set regs before")
	assert.Equal(t, PhaseInjecting, in.Phase())
}

func TestTargetVanishes(t *testing.T) {
	ops := &fakeOps{sysnos: []uint{unix.SYS_READ}}
	in, _ := newInjector(ops, initialStop, syscallStop, unix.WaitStatus(unix.SIGKILL))

	var ue *ptracer.UnsupportedError
	require.ErrorAs(t, in.Run(), &ue)
	assert.Equal(t, PhaseScanningSyscalls, in.Phase())
}
