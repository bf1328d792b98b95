package forkexec

// go:linkname 需要导入 unsafe
import _ "unsafe"

// beforeFork 锁定信号并保存信号掩码，fork 之后不能再分配内存
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork 在父进程中恢复信号处理
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild 在子进程中重置信号处理，子进程中只有当前线程存在
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
