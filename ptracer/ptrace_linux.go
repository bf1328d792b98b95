package ptracer

import (
	"syscall"

	"github.com/pkg/errors"
	unix "golang.org/x/sys/unix"
)

// Ops 是状态机能对被跟踪进程执行的全部操作
// Ptrace 是唯一直接发起 ptrace 系统调用的实现
type Ops interface {
	// Seize 附加到 pid 但不停止它，总是启用 PTRACE_O_TRACESYSGOOD
	Seize(pid int, opts Options) error
	// Detach 释放 pid，sig 非 0 时在释放的同时投递该信号
	Detach(pid int, sig unix.Signal) error
	// Resume 让停止的进程继续运行，sig 非 0 时转发该信号
	Resume(pid int, mode ResumeMode, sig unix.Signal) error
	// EventMsg 读取 PTRACE_GETEVENTMSG，fork/clone 事件中为新进程 pid
	EventMsg(pid int) (int, error)
	// GetRegs 读取寄存器快照
	GetRegs(pid int) (*Context, error)
	// SetRegs 写回寄存器快照
	SetRegs(ctx *Context) error
	// Signal 向 pid 发送信号
	Signal(pid int, sig unix.Signal) error
}

// Ptrace 通过 ptrace(2) 实现 Ops
// 所有调用必须来自同一个 OS 线程
type Ptrace struct{}

var _ Ops = Ptrace{}

// Seize 使用 PTRACE_SEIZE，选项随 data 参数一起传入
// x/sys 的 PtraceSeize 不接受选项，因此这里直接发起系统调用
func (Ptrace) Seize(pid int, opts Options) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(pid), 0, uintptr(opts|traceSysGood), 0, 0)
	if errno != 0 {
		return errors.Wrapf(errno, "ptrace(SEIZE, %d)", pid)
	}
	return nil
}

// Detach 使用 PTRACE_DETACH，data 为要投递的信号
func (Ptrace) Detach(pid int, sig unix.Signal) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errors.Wrapf(errno, "ptrace(DETACH, %d, %v)", pid, sig)
	}
	return nil
}

// Resume 根据 mode 选择 PTRACE_SYSCALL 或 PTRACE_CONT
func (Ptrace) Resume(pid int, mode ResumeMode, sig unix.Signal) error {
	var err error
	switch mode {
	case ResumeSyscall:
		err = unix.PtraceSyscall(pid, int(sig))
	case ResumeFree:
		err = unix.PtraceCont(pid, int(sig))
	default:
		return errors.Errorf("invalid resume mode %v", mode)
	}
	if err != nil {
		return errors.Wrapf(err, "ptrace(%v, %d, %v)", mode, pid, sig)
	}
	return nil
}

// EventMsg 读取最近一次 ptrace 事件附带的消息
func (Ptrace) EventMsg(pid int) (int, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "ptrace(GETEVENTMSG, %d)", pid)
	}
	return int(msg), nil
}

// GetRegs 读取寄存器快照
func (Ptrace) GetRegs(pid int) (*Context, error) {
	ctx, err := getTrapContext(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "ptrace(GETREGS, %d)", pid)
	}
	return ctx, nil
}

// SetRegs 写回寄存器快照
func (Ptrace) SetRegs(ctx *Context) error {
	if err := ptraceSetRegSet(ctx.Pid, &ctx.regs); err != nil {
		return errors.Wrapf(err, "ptrace(SETREGS, %d)", ctx.Pid)
	}
	return nil
}

// Signal 调用 kill(2)
func (Ptrace) Signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return errors.Wrapf(err, "kill(%d, %v)", pid, sig)
	}
	return nil
}

// IsNotStopped 判断 err 是否是“目标当前不处于 ptrace 停止状态”
// 内核在这种情况下对 DETACH/CONT/SYSCALL 返回 ESRCH
func IsNotStopped(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
