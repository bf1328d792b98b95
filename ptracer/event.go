//go:build linux
// +build linux

package ptracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind 是 ptrace 生命周期事件的类型
type Kind int

const (
	KindInvalid Kind = iota
	KindFork
	KindClone
	KindVfork
	KindVforkDone
	KindExec
	KindExit
	KindSeccomp
	KindStop
)

var kindString = []string{
	"invalid",
	"fork",
	"clone",
	"vfork",
	"vfork-done",
	"exec",
	"exit",
	"seccomp",
	"stop",
}

func (k Kind) String() string {
	i := int(k)
	if i >= 0 && i < len(kindString) {
		return kindString[i]
	}
	return kindString[0]
}

// DecodeKind 把 wait 状态中的 PTRACE_EVENT_* 编码映射为 Kind
// 未知编码返回 UnsupportedError，不做任何隐式转换
func DecodeKind(code int) (Kind, error) {
	switch code {
	case unix.PTRACE_EVENT_FORK:
		return KindFork, nil
	case unix.PTRACE_EVENT_CLONE:
		return KindClone, nil
	case unix.PTRACE_EVENT_VFORK:
		return KindVfork, nil
	case unix.PTRACE_EVENT_VFORK_DONE:
		return KindVforkDone, nil
	case unix.PTRACE_EVENT_EXEC:
		return KindExec, nil
	case unix.PTRACE_EVENT_EXIT:
		return KindExit, nil
	case unix.PTRACE_EVENT_SECCOMP:
		return KindSeccomp, nil
	case unix.PTRACE_EVENT_STOP:
		return KindStop, nil
	}
	return KindInvalid, &UnsupportedError{Shape: ShapeUnknownEvent, Code: code}
}

// Event 是事件循环产出的已分类事件
// 只有 LifecycleEvent、SyscallStop、SignalStop 三种实现
type Event interface {
	fmt.Stringer
	// EventPid 返回报告该事件的进程
	EventPid() int
	isEvent()
}

// LifecycleEvent 对应 PTRACE_EVENT_* 停止
type LifecycleEvent struct {
	Pid    int
	Signal unix.Signal
	Kind   Kind
}

// SyscallStop 对应系统调用入口或出口停止
type SyscallStop struct {
	Pid int
}

// SignalStop 对应信号导致的停止，Signal 需要在恢复时转发
type SignalStop struct {
	Pid    int
	Signal unix.Signal
}

func (e LifecycleEvent) EventPid() int { return e.Pid }
func (e SyscallStop) EventPid() int    { return e.Pid }
func (e SignalStop) EventPid() int     { return e.Pid }

func (LifecycleEvent) isEvent() {}
func (SyscallStop) isEvent()    {}
func (SignalStop) isEvent()     {}

func (e LifecycleEvent) String() string {
	return fmt.Sprintf("Lifecycle[%d %v %v]", e.Pid, e.Kind, e.Signal)
}

func (e SyscallStop) String() string {
	return fmt.Sprintf("Syscall[%d]", e.Pid)
}

func (e SignalStop) String() string {
	return fmt.Sprintf("Signal[%d %v]", e.Pid, e.Signal)
}

// Shape 是 wait 可能报告但本系统不处理的进程状态
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeExited
	ShapeSignaled
	ShapeContinued
	ShapeStillAlive
	ShapeUnknownEvent
)

var shapeString = []string{
	"unknown",
	"exited",
	"signaled",
	"continued",
	"still alive",
	"unknown ptrace event",
}

func (s Shape) String() string {
	i := int(s)
	if i >= 0 && i < len(shapeString) {
		return shapeString[i]
	}
	return shapeString[0]
}

// UnsupportedError 表示出现了假定生命周期之外的进程状态，调用者应视为致命错误
type UnsupportedError struct {
	Pid    int
	Shape  Shape
	Signal unix.Signal
	Code   int
}

func (e *UnsupportedError) Error() string {
	switch e.Shape {
	case ShapeSignaled:
		return fmt.Sprintf("unsupported process state: pid %d %v by %v", e.Pid, e.Shape, e.Signal)
	case ShapeUnknownEvent:
		return fmt.Sprintf("unsupported process state: pid %d %v %d", e.Pid, e.Shape, e.Code)
	default:
		return fmt.Sprintf("unsupported process state: pid %d %v", e.Pid, e.Shape)
	}
}

// sysGoodBit 是 PTRACE_O_TRACESYSGOOD 附加在 SIGTRAP 上的标志位
const sysGoodBit = 0x80

/*
	Decode 将一次 wait4 的结果分类为 Event

状态编码（status 为 wait4 返回的 32 位值）：
  - WIFSTOPPED 且 WSTOPSIG == SIGTRAP|0x80  -> SyscallStop
  - WIFSTOPPED 且 status>>16 != 0          -> LifecycleEvent（事件号在 16..23 位）
  - WIFSTOPPED 其他情况                     -> SignalStop
  - 退出、被信号终止、继续运行、pid == 0       -> UnsupportedError

注意 PTRACE_EVENT_STOP 的停止信号不一定是 SIGTRAP（组停止时为 SIGSTOP 等），
因此事件号必须在判断 SIGTRAP 之前单独提取。
*/
func Decode(pid int, ws unix.WaitStatus) (Event, error) {
	if pid == 0 {
		return nil, &UnsupportedError{Pid: pid, Shape: ShapeStillAlive}
	}
	switch {
	case ws.Exited():
		return nil, &UnsupportedError{Pid: pid, Shape: ShapeExited, Code: ws.ExitStatus()}

	case ws.Signaled():
		return nil, &UnsupportedError{Pid: pid, Shape: ShapeSignaled, Signal: ws.Signal()}

	case ws.Continued():
		return nil, &UnsupportedError{Pid: pid, Shape: ShapeContinued}

	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP|sysGoodBit {
			return SyscallStop{Pid: pid}, nil
		}
		if code := int(uint32(ws)>>16) & 0xff; code != 0 {
			kind, err := DecodeKind(code)
			if err != nil {
				return nil, &UnsupportedError{Pid: pid, Shape: ShapeUnknownEvent, Code: code}
			}
			return LifecycleEvent{Pid: pid, Signal: sig, Kind: kind}, nil
		}
		return SignalStop{Pid: pid, Signal: sig}, nil
	}
	return nil, &UnsupportedError{Pid: pid, Shape: ShapeUnknown, Code: int(ws)}
}
