// Package inittracker 是 init 侧的状态机
//
// 它持有 init（根进程）的 ptrace，跟踪 init 的第一代子进程，
// 在某个子进程 exec 为 zygote 时让它停止并脱离跟踪，然后派生交接进程。
package inittracker

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote-inject/pkg/procinfo"
	"github.com/zqzqsb/zygote-inject/ptracer"
)

// RootOptions 是 seize 根进程时请求的生命周期事件
const RootOptions = ptracer.TraceFork | ptracer.TraceVfork | ptracer.TraceClone | ptracer.TraceExec

// Phase 是跟踪器的状态
type Phase int

const (
	PhaseInvalid Phase = iota
	// PhaseAwaitingProcMount 逐个系统调用恢复进程，等待 /proc 出现
	PhaseAwaitingProcMount
	// PhaseTrackingDescendants 已进入 /proc，进程只在生命周期事件时停止
	PhaseTrackingDescendants
	// PhaseZygoteFound 至少完成过一次交接，跟踪行为不变
	PhaseZygoteFound
	// PhaseDone 事件循环已退出
	PhaseDone
)

var phaseString = []string{
	"invalid",
	"awaiting-proc-mount",
	"tracking-descendants",
	"zygote-found",
	"done",
}

func (p Phase) String() string {
	i := int(p)
	if i >= 0 && i < len(phaseString) {
		return phaseString[i]
	}
	return phaseString[0]
}

// Prober 检测 /proc 是否可用，可用时切换工作目录
type Prober interface {
	Probe() (bool, error)
}

// Spawner 为停在 SIGSTOP 的 zygote 启动交接进程，返回交接进程的 pid
type Spawner interface {
	Spawn(zygote int) (int, error)
}

// Match 是识别 zygote 的常量
type Match struct {
	Path string
	Flag string
}

// Deps 是跟踪器依赖的全部外部操作
type Deps struct {
	Ops     ptracer.Ops
	Loop    *ptracer.Loop
	Proc    procinfo.Reader
	Prober  Prober
	Spawner Spawner
	Logger  *zap.Logger
}

// Handoff 记录一次成功派生的交接
type Handoff struct {
	Zygote  int
	Process int
}

// Tracker 是 init 侧状态机，只在一个锁定的 OS 线程上使用
type Tracker struct {
	deps  Deps
	match Match
	log   *zap.Logger

	root        int
	phase       Phase
	foundProc   bool
	procs       map[int]ptracer.TracedProcess
	pending     PendingDetachSet
	handoffs    []Handoff
}

// New 创建跟踪器，root 为被监视的根进程（init）
func New(root int, match Match, deps Deps) *Tracker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	t := &Tracker{
		deps:        deps,
		match:       match,
		log:         deps.Logger,
		root:        root,
		phase:       PhaseAwaitingProcMount,
		procs:       make(map[int]ptracer.TracedProcess),
		pending:     make(PendingDetachSet),
	}
	deps.Loop.OnExit = t.onExit
	return t
}

// Seize 附加到根进程，之后调用者才能通知 init 继续启动
func (t *Tracker) Seize() error {
	t.log.Info(fmt.Sprintf("Seizing %d", t.root))
	if err := t.deps.Ops.Seize(t.root, RootOptions); err != nil {
		return err
	}
	t.procs[t.root] = ptracer.TracedProcess{Pid: t.root, Role: ptracer.RoleRoot, State: ptracer.StateSeized}
	return nil
}

// Run 循环等待并分发事件，直到出现致命错误或 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	t.log.Info("Watching init process")
	for ctx.Err() == nil {
		ev, err := t.deps.Loop.WaitNext(ptracer.AnyDescendant())
		if err != nil {
			return err
		}
		if err := t.Dispatch(ev); err != nil {
			return err
		}
	}
	t.phase = PhaseDone
	return nil
}

/*
	Dispatch 按顺序处理一个事件：

 1. 进程在 PendingDetachSet 中：重试 detach，无论成败都不再处理
 2. fork/clone：根进程的子进程加入跟踪；更深的子进程立即 detach，失败则加入 PendingDetachSet
 3. 系统调用停止且尚未找到 /proc：探测 /proc，成功后切换工作目录，之后默认恢复方式改为 PTRACE_CONT
 4. 找到 /proc 之后子进程的 exec：zygote 停止并脱离跟踪后派生交接进程，其他程序直接 detach
 5. 其余情况：按当前默认方式恢复，信号停止时转发信号
*/
func (t *Tracker) Dispatch(ev ptracer.Event) error {
	pid := ev.EventPid()

	if t.pending.Has(pid) {
		return t.retryDetach(pid, pendingSignal(ev))
	}
	t.setState(pid, ptracer.StateStoppedAtEvent)

	switch e := ev.(type) {
	case ptracer.LifecycleEvent:
		switch e.Kind {
		case ptracer.KindFork, ptracer.KindClone:
			if err := t.onFork(e); err != nil {
				return err
			}

		case ptracer.KindExec:
			if t.foundProc && pid != t.root {
				return t.onExec(pid)
			}
			t.log.Debug(fmt.Sprintf("ptrace exec %d", pid))

		case ptracer.KindExit:
			t.log.Warn(fmt.Sprintf("Exit event process not implemented %d", pid))

		case ptracer.KindStop:
			t.log.Info(fmt.Sprintf("Stop event process not implemented %d", pid))

		default:
			return errors.Errorf("unsupported lifecycle event %v", e)
		}
		return t.resume(pid, 0)

	case ptracer.SyscallStop:
		if !t.foundProc {
			if err := t.probe(); err != nil {
				return err
			}
		}
		return t.resume(pid, 0)

	case ptracer.SignalStop:
		return t.resume(pid, e.Signal)
	}
	return errors.Errorf("unknown event %v", ev)
}

// pendingSignal 返回 detach 时需要转发的信号
func pendingSignal(ev ptracer.Event) unix.Signal {
	if s, ok := ev.(ptracer.SignalStop); ok {
		return s.Signal
	}
	return 0
}

func (t *Tracker) onFork(e ptracer.LifecycleEvent) error {
	child, err := t.deps.Ops.EventMsg(e.Pid)
	if err != nil {
		return err
	}
	t.log.Debug(fmt.Sprintf("%v %d=>%d", e.Kind, e.Pid, child))

	if e.Pid == t.root {
		t.procs[child] = ptracer.TracedProcess{Pid: child, Role: ptracer.RoleDescendant, State: ptracer.StateSeized}
		return nil
	}

	// 只跟踪一层
	t.log.Info(fmt.Sprintf("Trying to detach %d", child))
	return t.detach(child, 0)
}

func (t *Tracker) onExec(pid int) error {
	id, err := t.deps.Proc.Identity(pid)
	if err != nil {
		// 读取失败的进程不可能被识别为 zygote
		t.log.Debug("failed to read identity", zap.Int("pid", pid), zap.Error(err))
	}
	t.log.Debug(fmt.Sprintf("Exec pid=%d exe=%s args=%q", pid, id.Executable, id.Args))

	if !id.Matches(t.match.Path, t.match.Flag) {
		t.log.Info(fmt.Sprintf("Detaching %d", pid))
		return t.detach(pid, 0)
	}

	t.log.Info("Found zygote", zap.Int("pid", pid))

	// 等待 zygote 开始加载
	if err := t.deps.Ops.Resume(pid, ptracer.ResumeSyscall, 0); err != nil {
		if !ptracer.IsNotStopped(err) {
			return err
		}
		t.log.Info("Ignoring", zap.Error(err))
	}
	if _, err := t.deps.Loop.WaitNext(ptracer.Only(pid)); err != nil {
		return err
	}

	// 让 zygote 停止并脱离跟踪，由交接进程重新 seize
	t.log.Info("Pausing zygote")
	if err := t.deps.Ops.Detach(pid, unix.SIGSTOP); err != nil {
		return err
	}
	delete(t.procs, pid)
	t.phase = PhaseZygoteFound

	hpid, err := t.deps.Spawner.Spawn(pid)
	if err != nil {
		// 交接进程是独立的失败域，跟踪继续
		t.log.Error("failed to spawn handoff", zap.Int("zygote", pid), zap.Error(err))
		return nil
	}
	t.log.Info("Spawned handoff", zap.Int("zygote", pid), zap.Int("handoff", hpid))
	t.handoffs = append(t.handoffs, Handoff{Zygote: pid, Process: hpid})
	return nil
}

func (t *Tracker) probe() error {
	ok, err := t.deps.Prober.Probe()
	if err != nil {
		return err
	}
	if ok {
		t.log.Info("Found /proc")
		t.foundProc = true
		t.phase = PhaseTrackingDescendants
	}
	return nil
}

// detach 释放 pid，目标不处于停止状态时加入 PendingDetachSet
func (t *Tracker) detach(pid int, sig unix.Signal) error {
	err := t.deps.Ops.Detach(pid, sig)
	switch {
	case err == nil:
		delete(t.procs, pid)
		return nil
	case ptracer.IsNotStopped(err):
		t.log.Debug("Marking for late detach", zap.Int("pid", pid), zap.Error(err))
		t.pending.Add(pid)
		p, ok := t.procs[pid]
		if !ok {
			p = ptracer.TracedProcess{Pid: pid, Role: ptracer.RoleOutOfScope}
		}
		p.State = ptracer.StatePendingDetach
		t.procs[pid] = p
		return nil
	default:
		return err
	}
}

func (t *Tracker) retryDetach(pid int, sig unix.Signal) error {
	t.log.Info(fmt.Sprintf("Trying to detach %d", pid))
	err := t.deps.Ops.Detach(pid, sig)
	switch {
	case err == nil:
		t.pending.Remove(pid)
		delete(t.procs, pid)
		return nil
	case ptracer.IsNotStopped(err):
		t.log.Debug("Ignoring", zap.Error(err))
		return nil
	default:
		return err
	}
}

// resume 在找到 /proc 之前逐个系统调用恢复，之后自由运行
func (t *Tracker) resume(pid int, sig unix.Signal) error {
	mode := ptracer.ResumeSyscall
	if t.foundProc {
		mode = ptracer.ResumeFree
	}
	err := t.deps.Ops.Resume(pid, mode, sig)
	if err != nil && !ptracer.IsNotStopped(err) {
		return err
	}
	if err != nil {
		t.log.Info("Ignoring", zap.Error(err))
	}
	t.setState(pid, ptracer.StateSeized)
	return nil
}

// setState 只更新已经记录的进程
func (t *Tracker) setState(pid int, s ptracer.State) {
	if p, ok := t.procs[pid]; ok {
		p.State = s
		t.procs[pid] = p
	}
}

// onExit 删除退出的进程，PendingDetachSet 中的进程只在 detach 成功时移除
func (t *Tracker) onExit(pid, code int) {
	p, ok := t.procs[pid]
	if !ok || p.State == ptracer.StatePendingDetach {
		return
	}
	t.log.Debug("traced process exited", zap.Int("pid", pid), zap.Int("code", code))
	delete(t.procs, pid)
}

// Phase 返回当前状态
func (t *Tracker) Phase() Phase { return t.phase }

// FoundProc 报告是否已经进入 /proc
func (t *Tracker) FoundProc() bool { return t.foundProc }

// Pending 返回 PendingDetachSet
func (t *Tracker) Pending() PendingDetachSet { return t.pending }

// Handoffs 返回已经派生的交接进程
func (t *Tracker) Handoffs() []Handoff { return t.handoffs }

// Process 返回 pid 当前的所有权记录
func (t *Tracker) Process(pid int) (ptracer.TracedProcess, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// Descendants 返回正在跟踪的第一代子进程
func (t *Tracker) Descendants() []ptracer.TracedProcess {
	out := make([]ptracer.TracedProcess, 0, len(t.procs))
	for _, p := range t.procs {
		if p.Role == ptracer.RoleDescendant {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}
