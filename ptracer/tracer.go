//go:build linux
// +build linux

// Package ptracer 封装了两个跟踪进程共用的 ptrace 基础设施：
// 事件循环（wait4 + 事件分类）、进程附加/分离/恢复，以及寄存器快照。
// 上层状态机只依赖这里的接口和值类型，不直接调用 ptrace。
package ptracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Options 是 PTRACE_SEIZE 时请求的生命周期事件集合
type Options uint

const (
	// TraceFork 报告 fork 事件
	TraceFork Options = unix.PTRACE_O_TRACEFORK
	// TraceVfork 报告 vfork 事件
	TraceVfork Options = unix.PTRACE_O_TRACEVFORK
	// TraceClone 报告 clone 事件
	TraceClone Options = unix.PTRACE_O_TRACECLONE
	// TraceExec 报告 exec 事件
	TraceExec Options = unix.PTRACE_O_TRACEEXEC

	// traceSysGood 让内核把系统调用停止的信号标记为 SIGTRAP|0x80
	// 这是区分系统调用停止和信号停止的唯一依据，因此总是开启
	traceSysGood Options = unix.PTRACE_O_TRACESYSGOOD
)

// ResumeMode 决定被跟踪进程下一次在哪里停下
type ResumeMode int

const (
	// ResumeSyscall 在下一次系统调用入口/出口停止 (PTRACE_SYSCALL)
	ResumeSyscall ResumeMode = iota + 1
	// ResumeFree 只在下一个生命周期事件或信号时停止 (PTRACE_CONT)
	ResumeFree
)

func (m ResumeMode) String() string {
	switch m {
	case ResumeSyscall:
		return "syscall"
	case ResumeFree:
		return "free"
	default:
		return fmt.Sprintf("ResumeMode(%d)", int(m))
	}
}

// Role 是被跟踪进程在跟踪树中的位置
type Role int

const (
	RoleInvalid Role = iota
	// RoleRoot 是被监视的根进程（init 或 zygote）
	RoleRoot
	// RoleDescendant 是根进程的第一代子进程
	RoleDescendant
	// RoleOutOfScope 是超出跟踪深度、等待 detach 的进程
	RoleOutOfScope
)

// State 是 ptrace 所有权状态
// detach 成功之后进程不再属于当前跟踪者，从记录中删除
type State int

const (
	StateInvalid State = iota
	StateSeized
	StateStoppedAtEvent
	StatePendingDetach
)

var (
	roleString = []string{
		"invalid",
		"root",
		"descendant",
		"out-of-scope",
	}
	stateString = []string{
		"invalid",
		"seized",
		"stopped-at-event",
		"pending-detach",
	}
)

func (r Role) String() string {
	i := int(r)
	if i >= 0 && i < len(roleString) {
		return roleString[i]
	}
	return roleString[0]
}

func (s State) String() string {
	i := int(s)
	if i >= 0 && i < len(stateString) {
		return stateString[i]
	}
	return stateString[0]
}

// TracedProcess 是当前跟踪者独占持有的一个进程
// 所有权只能通过 detach 之后由另一个跟踪者重新 seize 来转移
type TracedProcess struct {
	Pid   int
	Role  Role
	State State
}

func (p TracedProcess) String() string {
	return fmt.Sprintf("TracedProcess[%d %v %v]", p.Pid, p.Role, p.State)
}
