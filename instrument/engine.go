// Package instrument 把停在伪造调用中的 zygote 交给外部插桩引擎
//
// 引擎只通过这里定义的接口使用：获取本地设备、attach、resume、
// child gating，以及在引擎自己的执行上下文中运行一段代码。
package instrument

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoEngine 表示构建时没有包含插桩引擎（需要 -tags frida）
var ErrNoEngine = errors.New("instrument: built without an instrumentation engine")

// LogHandler 接收引擎的日志
type LogHandler func(domain string, level int, message string)

// Engine 是进程级的引擎句柄
type Engine interface {
	SetLogHandler(h LogHandler)
	// Execute 在引擎的执行上下文中同步运行 fn
	Execute(fn func())
	LocalDevice() (Device, error)
}

// Device 是引擎中的本地设备
type Device interface {
	ID() string
	Name() string
	Attach(pid int) (Session, error)
	Resume(pid int) error
	// OnChildAdded 注册回调，回调在引擎的线程上执行，可能并发
	OnChildAdded(fn func(pid int))
}

// Session 是附加到某个进程的插桩会话
type Session interface {
	EnableChildGating() error
}

// ForwardLogs 把引擎日志转发到 logger，模块名为 engine
func ForwardLogs(logger *zap.Logger) LogHandler {
	log := logger.Named("engine")
	return func(domain string, level int, message string) {
		log.Info(fmt.Sprintf("[frida] domain=%s level=%d msg=%s", domain, level, message))
	}
}
