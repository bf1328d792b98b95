package forkexec

import (
	"syscall"
)

// prepareExec 把 Args 和 Env 转换为 execve 所需的 C 字符串
func prepareExec(Args, Env []string) (*byte, []*byte, []*byte, error) {
	if len(Args) == 0 {
		return nil, nil, nil, syscall.EINVAL
	}
	argv0, err := syscall.BytePtrFromString(Args[0])
	if err != nil {
		return nil, nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(Args)
	if err != nil {
		return nil, nil, nil, err
	}
	// execve 的 envp 可以为空，但数组本身必须以 nil 结尾
	env, err := syscall.SlicePtrFromStrings(Env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, env, nil
}

// prepareFds 转换文件描述符数组并返回下一个不会冲突的文件描述符编号
func prepareFds(files []uintptr) ([]int, int) {
	fd := make([]int, len(files))
	nextfd := len(files)
	for i, ufd := range files {
		if nextfd < int(ufd) {
			nextfd = int(ufd)
		}
		fd[i] = int(ufd)
	}
	nextfd++
	return fd, nextfd
}

// syscallStringFromString 在 str 为空时返回 nil
func syscallStringFromString(str string) (*byte, error) {
	if str != "" {
		return syscall.BytePtrFromString(str)
	}
	return nil, nil
}
