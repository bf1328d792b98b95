package cli

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote-inject/handoff"
	"github.com/zqzqsb/zygote-inject/inittracker"
	"github.com/zqzqsb/zygote-inject/pkg/procinfo"
	"github.com/zqzqsb/zygote-inject/ptracer"
)

const traceSubcommand = "trace"

// unparkFd 是 init 传给跟踪进程的通道写端
const unparkFd = 3

func (a *app) traceCommand() *cobra.Command {
	return &cobra.Command{
		Use:    traceSubcommand,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 所有 ptrace 请求必须来自 seize 时的线程
			runtime.LockOSThread()
			return a.runTrace(cmd)
		},
	}
}

func (a *app) runTrace(cmd *cobra.Command) error {
	log := a.log.Named("tracker")

	// init 稍后会切换根目录并删除 ramdisk 中的文件，
	// 保留一个描述符才能在之后重新执行本程序
	self, err := unix.Open(os.Args[0], unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", os.Args[0])
	}

	t := inittracker.New(unix.Getppid(), inittracker.Match{
		Path: a.cfg.ZygotePath,
		Flag: a.cfg.ZygoteFlag,
	}, inittracker.Deps{
		Ops:  ptracer.Ptrace{},
		Loop: ptracer.NewLoop(nil, log),
		// 找到 /proc 之后工作目录就是它
		Proc:    procinfo.FS{Mount: "."},
		Prober:  inittracker.NewProcProbe(a.cfg.ProcDir),
		Spawner: handoff.Spawner{Path: os.Args[0], ExecFile: uintptr(self)},
		Logger:  log,
	})

	if err := t.Seize(); err != nil {
		return errors.Wrap(err, "failed to ptrace process")
	}

	log.Info("Unparking init process")
	if err := handoff.WriterFromFd(unparkFd, a.cfg.HandshakeByte).Unpark(); err != nil {
		return errors.Wrap(err, "failed to unpark")
	}

	return t.Run(cmd.Context())
}
