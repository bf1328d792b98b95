// Package procinfo 从进程信息文件系统读取进程身份
package procinfo

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Identity 是某一时刻进程的可执行文件路径和参数列表快照
// 只用于判断一次 exec 事件，判断后即丢弃
type Identity struct {
	Pid        int
	Executable string
	Args       []string
}

// Matches 判断进程是否是 path 程序并且第一个参数为 flag
func (id Identity) Matches(path, flag string) bool {
	return id.Executable == path && len(id.Args) > 1 && id.Args[1] == flag
}

func (id Identity) String() string {
	return fmt.Sprintf("Identity[%d exe=%s args=%q]", id.Pid, id.Executable, id.Args)
}

// Reader 按需读取进程身份
type Reader interface {
	Identity(pid int) (Identity, error)
}

// FS 通过 procfs 读取 <Mount>/<pid>/exe 和 <Mount>/<pid>/cmdline
//
// Mount 可以是相对路径：init 切换根文件系统之后，只能通过工作目录
// 访问原来的 /proc，此时 Mount 为 "."
type FS struct {
	Mount string
}

// Identity 读取 pid 的身份
// 进程在读取过程中消失时返回错误
func (f FS) Identity(pid int) (Identity, error) {
	id := Identity{Pid: pid}
	fs, err := procfs.NewFS(f.Mount)
	if err != nil {
		return id, errors.Wrapf(err, "procinfo: open %s", f.Mount)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return id, errors.Wrapf(err, "procinfo: pid %d", pid)
	}
	if id.Executable, err = p.Executable(); err != nil {
		return id, errors.Wrapf(err, "procinfo: exe of %d", pid)
	}
	args, err := p.CmdLine()
	if err != nil {
		return id, errors.Wrapf(err, "procinfo: cmdline of %d", pid)
	}
	for _, a := range args {
		if a != "" {
			id.Args = append(id.Args, a)
		}
	}
	return id, nil
}
