// Package handoff 实现 init 侧的两次交接
//
//   - Channel：init 等待跟踪进程确认已经 seize 它
//   - Sequence：从跟踪进程派生出的进程切换到真正的根目录，
//     写出 device-agent 并 exec 它，参数为 zygote 的 pid
package handoff

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Sequence 是交接进程依次执行的三个步骤，任何一步失败都是致命错误
type Sequence struct {
	// Root 切换根目录，生产环境为 unix.Chroot
	Root func(dir string) error

	// Fs 是切换根目录之后写出 agent 使用的文件系统
	Fs afero.Fs

	// Exec 执行 agent，成功时不返回，生产环境为 unix.Exec
	Exec func(argv0 string, argv, envv []string) error

	// Agent 是嵌入的 device-agent 可执行文件
	Agent []byte

	// Path 和 Mode 是 agent 写出的位置和权限
	Path string
	Mode os.FileMode

	Logger *zap.Logger
}

// NewSequence 返回使用真实系统调用的 Sequence
func NewSequence(agent []byte, path string, mode os.FileMode, logger *zap.Logger) *Sequence {
	return &Sequence{
		Root:   unix.Chroot,
		Fs:     afero.NewOsFs(),
		Exec:   unix.Exec,
		Agent:  agent,
		Path:   path,
		Mode:   mode,
		Logger: logger,
	}
}

// Run 在交接进程中执行：chroot("..")，写出 agent，execve(agent, [agent, pid], [])
//
// 交接进程从跟踪进程继承工作目录，即新挂载的 /proc，
// 它的上级目录就是 init 切换后的真正根目录。
// 只有出错时 Run 才会返回。
func (s *Sequence) Run(pid int) error {
	if err := s.Root(".."); err != nil {
		return errors.Wrap(err, "handoff: chroot to real root")
	}
	s.Logger.Debug("Switched to real root")

	// 上一次交接留下的 agent 可能仍在运行，直接截断会得到 ETXTBSY
	if err := s.Fs.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "handoff: remove stale %s", s.Path)
	}
	if err := afero.WriteFile(s.Fs, s.Path, s.Agent, s.Mode); err != nil {
		return errors.Wrapf(err, "handoff: write %s", s.Path)
	}
	// 创建文件时的权限受 umask 影响
	if err := s.Fs.Chmod(s.Path, s.Mode); err != nil {
		return errors.Wrapf(err, "handoff: chmod %s", s.Path)
	}
	s.Logger.Info("Wrote device agent", zap.String("path", s.Path), zap.Int("size", len(s.Agent)))

	argv := []string{s.Path, strconv.Itoa(pid)}
	s.Logger.Info("Executing device agent", zap.Strings("argv", argv))
	if err := s.Exec(s.Path, argv, []string{}); err != nil {
		return errors.Wrapf(err, "handoff: exec %s", s.Path)
	}
	return nil
}
