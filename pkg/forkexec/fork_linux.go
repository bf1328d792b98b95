package forkexec

import (
	"syscall"
	"unsafe" // 需要用于 go:linkname

	"golang.org/x/sys/unix"
)

// Start 创建子进程并执行 Args
//
// 子进程在 execve 之前与父进程同步一次，
// 因此 Start 返回时子进程要么已经成功 exec，要么已被回收并返回 ChildError
//
// 返回值：
// - pid: 子进程的进程ID
// - error: ChildError 或参数错误
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// p[0] 由父进程使用，p[1] 由子进程使用
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// 恢复所有信号处理
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

// syncWithChild 等待子进程到达 exec 之前的同步点，
// 执行 SyncFunc，再确认 exec 是否成功（成功时 close-on-exec 使读取返回 0）
func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		err2     syscall.Errno
		err      error
		childErr ChildError
	)

	unix.Close(p[1])

	if err1 != 0 {
		unix.Close(p[0])
		childErr.Location = LocClone
		childErr.Err = err1
		return 0, childErr
	}

	n, err := readChildErr(p[0], &childErr)
	if (n != int(unsafe.Sizeof(err2)) && n != int(unsafe.Sizeof(childErr))) || childErr.Err != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto fail
	}

	if r.SyncFunc != nil {
		if err = r.SyncFunc(pid); err != nil {
			goto fail
		}
	}
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err1)), uintptr(unsafe.Sizeof(err1)))

	n, err = readChildErr(p[0], &childErr)
	unix.Close(p[0])
	if n != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto failAfterClose
	}
	return pid, nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(pid)
	if childErr.Err == 0 {
		return 0, err
	}
	return 0, childErr
}

// readChildErr 读取子进程回报的错误，被 EINTR 中断时重试
func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(unsafe.Sizeof(*childErr)))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// handlePipeError 在读取长度不足以包含错误码时返回 EPIPE
func handlePipeError(r1 int, errno syscall.Errno) syscall.Errno {
	if uintptr(r1) >= unsafe.Sizeof(errno) {
		return syscall.Errno(errno)
	}
	return syscall.EPIPE
}

// handleChildFailed 杀死并回收失败的子进程，避免僵尸进程
func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	syscall.Kill(pid, syscall.SIGKILL)
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
