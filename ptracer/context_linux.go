package ptracer

import (
	"fmt"

	unix "golang.org/x/sys/unix"
)

// Context 是进程在某个停止点的通用寄存器快照
// 用于读取系统调用号以及改写系统调用号和返回值
// 快照在一次事件处理中读取、修改、写回，不会被保存
type Context struct {
	// Pid 是当前上下文进程的 pid
	Pid int
	// 当前寄存器上下文（平台相关）
	regs unix.PtraceRegs
}

func (c *Context) String() string {
	return fmt.Sprintf("Context[%d sysno=%d ret=%d]", c.Pid, c.SyscallNo(), c.ReturnValue())
}

/*
	使用示例:
	ctx, err := getTrapContext(1234)  // 获取 PID 1234 的寄存器快照
	if err != nil {
		处理错误
	}
	ctx.Pid == 1234
	ctx.regs 包含进程寄存器状态
*/
func getTrapContext(pid int) (*Context, error) {
	var regs unix.PtraceRegs
	err := ptraceGetRegSet(pid, &regs)
	if err != nil {
		return nil, err
	}
	return &Context{
		Pid:  pid,
		regs: regs,
	}, nil
}
