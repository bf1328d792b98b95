package instrument

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Attacher 把目标进程交给引擎，并让它之后 fork 出的子进程在运行前被捕获
type Attacher struct {
	engine Engine
	log    *zap.Logger

	// OnChildError 在子进程 attach 或 resume 失败时调用，在引擎线程上执行
	OnChildError func(pid int, err error)

	mu    sync.Mutex
	seen  map[int]struct{}
	group singleflight.Group
}

// NewAttacher 创建 Attacher
func NewAttacher(engine Engine, logger *zap.Logger) *Attacher {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Attacher{
		engine: engine,
		log:    logger,
		seen:   make(map[int]struct{}),
	}
	a.OnChildError = func(pid int, err error) {
		a.log.Error("failed to capture child", zap.Int("pid", pid), zap.Error(err))
	}
	return a
}

/*
	Attach 依次执行：

 1. 获取本地设备，注册 child-added 回调
 2. attach 目标进程并开启 child gating
 3. 在引擎的执行上下文中调用 release 释放 ptrace

release 必须在与 seize 相同的线程上执行，因此通过 Engine.Execute 调用。
*/
func (a *Attacher) Attach(target int, release func() error) error {
	dev, err := a.engine.LocalDevice()
	if err != nil {
		return errors.Wrap(err, "failed to get local device")
	}
	a.log.Info(fmt.Sprintf("Frida Device %s (%s)", dev.ID(), dev.Name()))

	dev.OnChildAdded(func(pid int) { a.handleChild(dev, pid) })

	a.log.Info("Attaching to Zygote", zap.Int("pid", target))
	session, err := dev.Attach(target)
	if err != nil {
		return errors.Wrapf(err, "failed to attach to %d", target)
	}
	if err := session.EnableChildGating(); err != nil {
		return errors.Wrap(err, "failed to enable child gating")
	}

	a.log.Info("Injection complete")
	a.log.Info("Resuming Zygote")
	var rerr error
	a.engine.Execute(func() {
		rerr = release()
	})
	return rerr
}

// handleChild 对每个不同的 pid 恰好 attach 并 resume 一次
// 同一个 pid 的并发回调共享正在进行的那一次，失败只由执行者报告一次
func (a *Attacher) handleChild(dev Device, pid int) {
	owner := false
	_, err, _ := a.group.Do(strconv.Itoa(pid), func() (interface{}, error) {
		if !a.markSeen(pid) {
			return nil, nil
		}
		owner = true
		return nil, a.capture(dev, pid)
	})
	if err != nil && owner {
		a.OnChildError(pid, err)
	}
}

func (a *Attacher) capture(dev Device, pid int) error {
	a.log.Info("Child added", zap.Int("child-pid", pid))
	if _, err := dev.Attach(pid); err != nil {
		return errors.Wrapf(err, "failed to attach to child %d", pid)
	}
	if err := dev.Resume(pid); err != nil {
		return errors.Wrapf(err, "failed to resume child %d", pid)
	}
	return nil
}

func (a *Attacher) markSeen(pid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[pid]; ok {
		return false
	}
	a.seen[pid] = struct{}{}
	return true
}

// Captured 返回已经处理过的子进程数量
func (a *Attacher) Captured() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// Heartbeat 每隔 interval 记录一次 "Injection active"，直到 ctx 结束
func Heartbeat(ctx context.Context, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		logger.Info("Injection active")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
