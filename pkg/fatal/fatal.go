// Package fatal 是进程顶层的致命错误处理
//
// 这些程序可能作为无人值守的后台进程运行（包括替代 pid 1），
// 出现不可恢复的错误时不退出，而是按固定间隔重复输出诊断信息，
// 由外部监督者决定是否重启。
package fatal

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultInterval 是诊断信息的重复间隔
const DefaultInterval = time.Second

// Handler 处理不可恢复的错误
type Handler struct {
	Logger   *zap.Logger
	Interval time.Duration
}

// New 创建 Handler
func New(logger *zap.Logger, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Handler{Logger: logger.Named("fatal"), Interval: interval}
}

// Halt 记录 err 并每隔 Interval 重复记录一次，直到 ctx 结束
// 生产环境传入 context.Background()，因此永远不会返回
func (h *Handler) Halt(ctx context.Context, err error) {
	diag := fmt.Sprintf("%+v", err)
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		h.Logger.Error("PANIC: "+err.Error(), zap.Int("repeat", n), zap.String("diagnostics", diag))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Recover 必须以 defer 调用，把 panic 转为 Halt
func (h *Handler) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = errors.Errorf("%v", r)
		}
		h.Halt(ctx, errors.WithStack(err))
	}
}

// Must 在 err 非空时调用 Halt
func (h *Handler) Must(ctx context.Context, err error) {
	if err != nil {
		h.Halt(ctx, err)
	}
}
