// Package zygote 是目标侧的状态机：重新 seize 停止的 zygote，
// 扫描它的系统调用，在第一个阻塞等待调用上伪造一次 EINTR，
// 让 zygote 停在一个确定的、可以安全注入的位置
package zygote

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote-inject/pkg/sysname"
	"github.com/zqzqsb/zygote-inject/ptracer"
)

// ErrAlreadyInjected 表示同一个 Injector 被第二次运行
var ErrAlreadyInjected = errors.New("zygote: already injected")

// Phase 是注入器的状态
type Phase int

const (
	PhaseInvalid Phase = iota
	PhaseSeizing
	PhaseResuming
	PhaseScanningSyscalls
	PhaseInjecting
	PhaseDone
)

var phaseString = []string{
	"invalid",
	"seizing",
	"resuming",
	"scanning-syscalls",
	"injecting",
	"done",
}

func (p Phase) String() string {
	i := int(p)
	if i >= 0 && i < len(phaseString) {
		return phaseString[i]
	}
	return phaseString[0]
}

// Injector 只操作一个目标进程
// 所有方法必须在同一个 OS 线程上调用（ptrace 所有权属于线程）
type Injector struct {
	ops  ptracer.Ops
	loop *ptracer.Loop
	pid  int
	log  *zap.Logger

	phase    Phase
	injected uint
}

// New 创建注入器
func New(pid int, ops ptracer.Ops, loop *ptracer.Loop, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{ops: ops, loop: loop, pid: pid, log: logger}
}

// Phase 返回当前状态
func (in *Injector) Phase() Phase { return in.phase }

// Injected 返回被伪造的系统调用号，Done 之前为 0
func (in *Injector) Injected() uint { return in.injected }

/*
	Run 依次执行：

 1. Seizing：只请求 TRACESYSGOOD 附加到目标
 2. Resuming：确认初始停止，发送 SIGCONT，按系统调用粒度恢复
 3. ScanningSyscalls：每个系统调用停止读取调用号，不匹配则继续
 4. Injecting：调用号改为 -1，恢复一次并等待出口停止，返回值改为 -EINTR
 5. Done

每次运行恰好注入一次，第二次运行返回 ErrAlreadyInjected。
*/
func (in *Injector) Run() error {
	if in.phase != PhaseInvalid {
		return ErrAlreadyInjected
	}

	in.phase = PhaseSeizing
	in.log.Info("Seizing zygote", zap.Int("pid", in.pid))
	if err := in.ops.Seize(in.pid, 0); err != nil {
		return err
	}

	in.phase = PhaseResuming
	if err := in.confirmStop(); err != nil {
		return err
	}
	in.log.Info("Resuming zygote")
	if err := in.ops.Signal(in.pid, unix.SIGCONT); err != nil {
		return err
	}
	in.log.Info("Waiting for zygote to hit injectable state")
	if err := in.ops.Resume(in.pid, ptracer.ResumeSyscall, 0); err != nil {
		return err
	}

	in.phase = PhaseScanningSyscalls
	for in.phase == PhaseScanningSyscalls {
		if err := in.step(); err != nil {
			return err
		}
	}
	in.log.Info("Zygote ready")
	return nil
}

// confirmStop 等待 seize 之后的第一次停止
// zygote 被 detach 时带着 SIGSTOP，因此这里只能是生命周期停止或信号停止
func (in *Injector) confirmStop() error {
	ev, err := in.loop.WaitNext(ptracer.Only(in.pid))
	if err != nil {
		return err
	}
	in.log.Debug("Wait result", zap.Stringer("event", ev))
	switch e := ev.(type) {
	case ptracer.LifecycleEvent:
		if e.Kind == ptracer.KindStop {
			return nil
		}
	case ptracer.SignalStop:
		return nil
	}
	return errors.Errorf("zygote: unexpected initial event %v", ev)
}

// step 处理扫描阶段的一个事件
func (in *Injector) step() error {
	ev, err := in.loop.WaitNext(ptracer.Only(in.pid))
	if err != nil {
		return err
	}
	switch e := ev.(type) {
	case ptracer.LifecycleEvent:
		return in.ops.Resume(e.Pid, ptracer.ResumeSyscall, 0)

	case ptracer.SignalStop:
		return in.ops.Resume(e.Pid, ptracer.ResumeSyscall, e.Signal)

	case ptracer.SyscallStop:
		regs, err := in.ops.GetRegs(e.Pid)
		if err != nil {
			return err
		}
		no := regs.SyscallNo()
		if !Injectable(no) {
			in.log.Debug("syscall", zap.Int("pid", e.Pid), zap.String("name", sysname.Name(no)))
			return in.ops.Resume(e.Pid, ptracer.ResumeSyscall, 0)
		}
		in.log.Info(fmt.Sprintf("Zygote %d reached injectable syscall %s", in.pid, sysname.Name(no)))
		return in.inject(regs)
	}
	return errors.Errorf("zygote: unknown event %v", ev)
}

// inject 让内核跳过当前调用，并在出口把返回值伪造为 -EINTR
// zygote 自己的 EINTR 重试逻辑会重新发起同一个调用
func (in *Injector) inject(regs *ptracer.Context) error {
	in.phase = PhaseInjecting
	no := regs.SyscallNo()

	regs.SkipSyscall()
	if err := in.ops.SetRegs(regs); err != nil {
		return errors.Wrap(err, "failed to set regs before")
	}
	if err := in.ops.Resume(in.pid, ptracer.ResumeSyscall, 0); err != nil {
		return err
	}

	ev, err := in.loop.WaitNext(ptracer.Only(in.pid))
	if err != nil {
		return err
	}
	in.log.Debug("Wait result", zap.Stringer("event", ev))

	regs, err = in.ops.GetRegs(in.pid)
	if err != nil {
		return err
	}
	regs.SetReturnValue(-int(unix.EINTR))
	if err := in.ops.SetRegs(regs); err != nil {
		return errors.Wrap(err, "failed to set regs")
	}

	in.injected = no
	in.phase = PhaseDone
	return nil
}
