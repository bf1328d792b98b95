// Package cli 实现 init-injector 的命令
//
// 根命令在 pid 1 中运行；trace 和 handoff 是隐藏子命令，
// 分别是跟踪进程和交接进程重新执行本程序时的入口。
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/zygote-inject/config"
	"github.com/zqzqsb/zygote-inject/handoff"
	"github.com/zqzqsb/zygote-inject/pkg/fatal"
	"github.com/zqzqsb/zygote-inject/pkg/logger"
)

// app 是三个入口共用的进程级状态
type app struct {
	cfg   config.Config
	log   *zap.Logger
	fatal *fatal.Handler

	// exec、getpid 和 spawn 在测试中被替换
	exec   func(argv0 string, argv, envv []string) error
	getpid func() int
	// spawn 重新执行本程序，extra 依次成为子进程的 fd 3 起的描述符
	spawn func(args []string, extra ...uintptr) (int, error)
}

// Execute 运行命令，任何错误都交给致命错误处理，不会返回
func Execute() {
	a, err := newApp()
	ctx := context.Background()
	defer a.fatal.Recover(ctx)
	a.fatal.Must(ctx, err)
	a.fatal.Must(ctx, a.rootCommand().ExecuteContext(ctx))
}

// newApp 使用嵌入的配置：pid 1 启动时没有可以读取的配置文件
func newApp() (*app, error) {
	cfg, cerr := config.Embedded()
	log, _, err := logger.NewStdout(cfg.LogLevel)
	if err != nil {
		log, _, _ = logger.NewStdout("")
		cerr = errors.Wrap(err, "config: log_level")
	}
	return &app{
		cfg:    cfg,
		log:    log,
		fatal:  fatal.New(log, cfg.HaltInterval),
		exec:   unix.Exec,
		getpid: os.Getpid,
		spawn:  handoff.Spawner{Path: os.Args[0]}.Start,
	}, cerr
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "init-injector",
		Short: "Take over init's ptrace before handing control to the original init",
		// 内核会把无法识别的启动参数传给 init
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInit(args)
		},
	}
	root.AddCommand(a.traceCommand(), a.handoffCommand())
	return root
}

// runInit 派生跟踪进程，等待它确认已经 seize 本进程，然后执行原始 init
func (a *app) runInit(args []string) error {
	log := a.log.Named("init")
	log.Info("Init Injector")
	if len(args) > 0 {
		log.Debug("ignoring kernel arguments", zap.Strings("args", args))
	}

	if pid := a.getpid(); pid != 1 {
		return errors.Errorf("init-injector must run as pid 1, running as %d", pid)
	}

	ch, err := handoff.NewChannel(a.cfg.HandshakeByte)
	if err != nil {
		return err
	}

	log.Debug("Forking")
	tracer, err := a.spawn([]string{traceSubcommand}, ch.WriteEnd())
	if err != nil {
		return errors.Wrap(err, "failed to spawn tracer")
	}
	if err := ch.CloseWrite(); err != nil {
		return errors.Wrap(err, "failed to close")
	}

	log.Info(fmt.Sprintf("Waiting for ptrace from %d", tracer))
	if err := ch.Park(); err != nil {
		return err
	}

	log.Info("Spawning original init process")
	path := a.cfg.OriginalInit
	return errors.Wrapf(a.exec(path, []string{path}, []string{}), "failed to start %s", path)
}
