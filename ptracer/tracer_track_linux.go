package ptracer

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	unix "golang.org/x/sys/unix"
)

// Scope 决定 wait4 等待哪些进程
type Scope struct {
	pid int
}

// AnyDescendant 等待任意被跟踪的进程
func AnyDescendant() Scope {
	return Scope{pid: -1}
}

// Only 只等待指定 pid
func Only(pid int) Scope {
	return Scope{pid: pid}
}

// Pid 返回传给 wait4 的 pid 参数
func (s Scope) Pid() int {
	return s.pid
}

/*
	wait4 参数:
	-1  : 等待任意子进程以及任意 ptrace 跟踪对象，同时报告 WUNTRACED/WCONTINUED 状态
	> 0 : 只等待指定 pid
	__WALL 让非子进程的跟踪对象和线程同样被报告
*/
func (s Scope) options() int {
	if s.pid == -1 {
		return unix.WALL | unix.WUNTRACED | unix.WCONTINUED
	}
	return unix.WALL
}

// Waiter 是 wait4 的抽象，测试时可以替换
type Waiter interface {
	Wait4(pid int, wstatus *unix.WaitStatus, options int) (int, error)
}

// SysWaiter 直接调用 wait4
type SysWaiter struct{}

// Wait4 调用 unix.Wait4，不收集 rusage
func (SysWaiter) Wait4(pid int, wstatus *unix.WaitStatus, options int) (int, error) {
	return unix.Wait4(pid, wstatus, options, nil)
}

// Loop 把 wait4 的结果规范化为 Event
// 两个跟踪进程共用同一个 Loop，区别只在于 Scope 和上层的分发策略
type Loop struct {
	Waiter Waiter

	// OnExit 在被跟踪进程正常退出时调用，之后继续等待
	OnExit func(pid, code int)

	logger *zap.Logger
}

// NewLoop 创建事件循环
func NewLoop(w Waiter, logger *zap.Logger) *Loop {
	if w == nil {
		w = SysWaiter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{Waiter: w, logger: logger}
}

/*
	WaitNext 阻塞直到 scope 中的某个进程改变跟踪状态，并返回一个事件

处理规则：
 1. EINTR：静默重试
 2. 正常退出：调用 OnExit 后继续等待，不返回给调用者
 3. 被信号终止、继续运行、未知事件：返回 *UnsupportedError
 4. 其他 wait4 错误：包装后返回

返回的任何错误对调用者来说都是致命的。
*/
func (l *Loop) WaitNext(scope Scope) (Event, error) {
	for {
		var wstatus unix.WaitStatus
		pid, err := l.Waiter.Wait4(scope.pid, &wstatus, scope.options())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "wait4(%d)", scope.pid)
		}

		if pid > 0 && wstatus.Exited() {
			l.logger.Debug("process exited", zap.Int("pid", pid), zap.Int("status", wstatus.ExitStatus()))
			if l.OnExit != nil {
				l.OnExit(pid, wstatus.ExitStatus())
			}
			continue
		}

		ev, err := Decode(pid, wstatus)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("event", zap.Stringer("event", ev))
		return ev, nil
	}
}
