// Package forkexec 提供不依赖 /proc 的进程创建和执行
package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 定义了子进程在 exec 之前失败的具体步骤
type ErrorLocation int

// ChildError 是子进程通过管道回报的错误
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// Location 常量按照子进程执行的顺序排列
const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocGetPid
	LocDup3
	LocFcntl
	LocSetSid
	LocChdir
	LocSyncWrite
	LocSyncRead
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"dup3",
	"fcntl",
	"setsid",
	"chdir",
	"sync_write",
	"sync_read",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Error 例如 "execve: no such file or directory"，Index > 0 时为 "dup3(3): bad file descriptor"
func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap 使 errors.Is(err, syscall.ENOENT) 之类的判断可以穿透 ChildError
func (e ChildError) Unwrap() error {
	return e.Err
}
