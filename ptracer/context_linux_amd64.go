package ptracer

import (
	unix "golang.org/x/sys/unix"
)

/*
	; x86_64 系统调用寄存器
	syscall_number -> orig_rax ; 系统调用号（入口时保存，rax 之后被返回值覆盖）
	return_value   -> rax      ; 系统调用返回值，错误时为 -errno
*/

// SyscallNo 获取当前系统调用号
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Orig_rax) // 使用 Orig_rax 而不是 rax
}

// SetSyscallNo 改写系统调用号
func (c *Context) SetSyscallNo(no uint) {
	c.regs.Orig_rax = uint64(no)
}

// SkipSyscall 将系统调用号设置为 -1 (^uint64(0))
// 内核会立即以 ENOSYS 失败该调用而不执行它
// 需要随后调用 Ops.SetRegs 才会生效
func (c *Context) SkipSyscall() {
	c.regs.Orig_rax = ^uint64(0)
}

// ReturnValue 获取系统调用返回值
func (c *Context) ReturnValue() int {
	return int(int64(c.regs.Rax))
}

// SetReturnValue 在系统调用出口设置返回值
func (c *Context) SetReturnValue(retval int) {
	c.regs.Rax = uint64(retval)
}

// ptraceGetRegSet 包装了 PTRACE_GETREGS
// 进程必须处于被跟踪的停止状态
func ptraceGetRegSet(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

// ptraceSetRegSet 包装了 PTRACE_SETREGS
func ptraceSetRegSet(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(pid, regs)
}
