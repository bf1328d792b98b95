package ptracer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type waitResult struct {
	pid int
	ws  unix.WaitStatus
	err error
}

// scriptedWaiter 按顺序返回预先设定的 wait4 结果，并记录调用参数
type scriptedWaiter struct {
	results []waitResult
	calls   [][2]int
}

func (w *scriptedWaiter) Wait4(pid int, wstatus *unix.WaitStatus, options int) (int, error) {
	w.calls = append(w.calls, [2]int{pid, options})
	if len(w.results) == 0 {
		return 0, unix.ECHILD
	}
	r := w.results[0]
	w.results = w.results[1:]
	*wstatus = r.ws
	return r.pid, r.err
}

func TestWaitNextRetriesEINTR(t *testing.T) {
	w := &scriptedWaiter{results: []waitResult{
		{err: unix.EINTR},
		{err: unix.EINTR},
		{pid: 60, ws: stopStatus(unix.SIGTRAP|0x80, 0)},
	}}
	l := NewLoop(w, nil)

	ev, err := l.WaitNext(Only(60))
	require.NoError(t, err)
	assert.Equal(t, SyscallStop{Pid: 60}, ev)
	assert.Len(t, w.calls, 3)
	for _, c := range w.calls {
		assert.Equal(t, [2]int{60, unix.WALL}, c)
	}
}

func TestWaitNextAbsorbsExit(t *testing.T) {
	w := &scriptedWaiter{results: []waitResult{
		{pid: 50, ws: unix.WaitStatus(0)},
		{pid: 1, ws: stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_CLONE)},
	}}
	l := NewLoop(w, nil)
	var exited []int
	l.OnExit = func(pid, code int) {
		exited = append(exited, pid)
	}

	ev, err := l.WaitNext(AnyDescendant())
	require.NoError(t, err)
	assert.Equal(t, LifecycleEvent{Pid: 1, Signal: unix.SIGTRAP, Kind: KindClone}, ev)
	assert.Equal(t, []int{50}, exited)
	assert.Equal(t, -1, w.calls[0][0])
	assert.Equal(t, unix.WALL|unix.WUNTRACED|unix.WCONTINUED, w.calls[0][1])
}

func TestWaitNextFatal(t *testing.T) {
	t.Run("wait error", func(t *testing.T) {
		l := NewLoop(&scriptedWaiter{results: []waitResult{{err: unix.ECHILD}}}, nil)
		_, err := l.WaitNext(AnyDescendant())
		require.Error(t, err)
		assert.True(t, errors.Is(err, unix.ECHILD))
	})

	t.Run("signaled", func(t *testing.T) {
		l := NewLoop(&scriptedWaiter{results: []waitResult{{pid: 9, ws: unix.WaitStatus(unix.SIGSEGV)}}}, nil)
		_, err := l.WaitNext(AnyDescendant())
		var ue *UnsupportedError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, ShapeSignaled, ue.Shape)
		assert.Equal(t, unix.SIGSEGV, ue.Signal)
	})

	t.Run("continued", func(t *testing.T) {
		l := NewLoop(&scriptedWaiter{results: []waitResult{{pid: 9, ws: unix.WaitStatus(0xffff)}}}, nil)
		_, err := l.WaitNext(AnyDescendant())
		var ue *UnsupportedError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, ShapeContinued, ue.Shape)
	})
}
