package handoff

import (
	"strconv"

	"github.com/zqzqsb/zygote-inject/pkg/forkexec"
)

// Subcommand 是交接进程的隐藏子命令名
const Subcommand = "handoff"

// Spawner 重新执行本程序的某个隐藏子命令
//
// pid 1 启动时没有 /proc，之后根目录又会被 init 切换，
// 因此不能依赖 /proc/self/exe：ExecFile 非零时通过 execveat 执行已经打开的可执行文件，
// 否则执行 Path
type Spawner struct {
	Path     string
	ExecFile uintptr
}

// Start 执行 `Path args...`，extra 依次成为子进程的 3, 4, ... 号描述符
func (s Spawner) Start(args []string, extra ...uintptr) (int, error) {
	r := &forkexec.Runner{
		Args:     append([]string{s.Path}, args...),
		ExecFile: s.ExecFile,
		Files:    append([]uintptr{0, 1, 2}, extra...),
		Setsid:   true,
	}
	return r.Start()
}

// Spawn 启动针对 zygote pid 的交接进程，返回交接进程的 pid
func (s Spawner) Spawn(zygote int) (int, error) {
	return s.Start([]string{Subcommand, strconv.Itoa(zygote)})
}
