// Package cli 实现 device-agent 的命令
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zqzqsb/zygote-inject/config"
	"github.com/zqzqsb/zygote-inject/instrument"
	"github.com/zqzqsb/zygote-inject/pkg/fatal"
	"github.com/zqzqsb/zygote-inject/pkg/logger"
	"github.com/zqzqsb/zygote-inject/ptracer"
	"github.com/zqzqsb/zygote-inject/zygote"
)

type app struct {
	cfg   config.Config
	fs    afero.Fs
	log   *zap.Logger
	level zap.AtomicLevel
	fatal *fatal.Handler

	configPath string

	// obtain 在测试中被替换
	obtain func() (instrument.Engine, error)
}

// Execute 运行命令，任何错误都交给致命错误处理，不会返回
func Execute() {
	a := newApp()
	ctx := context.Background()
	defer a.fatal.Recover(ctx)
	a.fatal.Must(ctx, a.rootCommand().ExecuteContext(ctx))
}

func newApp() *app {
	cfg := config.Default()
	log, level, _ := logger.NewStdout(cfg.LogLevel)
	return &app{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		log:    log,
		level:  level,
		fatal:  fatal.New(log, cfg.HaltInterval),
		obtain: instrument.Obtain,
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "device-agent <zygote-pid>",
		Short:         "Park the zygote at a blocking syscall and hand it to the instrumentation engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), pid)
		},
	}
	root.Flags().StringVar(&a.configPath, "config", "", "YAML config file, defaults to the embedded config")
	return root
}

// loadConfig 读取配置并更新日志级别和致命错误间隔
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.fs, a.configPath)
	if err != nil {
		return err
	}
	if err := a.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return errors.Wrap(err, "config: log_level")
	}
	a.cfg = cfg
	a.fatal.Interval = cfg.HaltInterval
	return nil
}

/*
	run 依次执行：

 1. 在引擎的执行上下文中运行注入器，zygote 停在被伪造的阻塞调用上
 2. attach zygote，开启 child gating，在同一上下文中 detach
 3. 永久输出心跳
*/
func (a *app) run(ctx context.Context, pid int) error {
	log := a.log.Named("agent")
	log.Info("Device Agent")
	log.Info(fmt.Sprintf("Zygote pid: %d", pid))

	engine, err := a.obtain()
	if err != nil {
		return err
	}
	engine.SetLogHandler(instrument.ForwardLogs(a.log))

	ops := ptracer.Ptrace{}
	inj := zygote.New(pid, ops, ptracer.NewLoop(nil, a.log.Named("injector")), a.log.Named("injector"))
	var ierr error
	engine.Execute(func() {
		ierr = inj.Run()
	})
	if ierr != nil {
		return ierr
	}

	att := instrument.NewAttacher(engine, a.log.Named("attacher"))
	att.OnChildError = func(child int, err error) {
		a.fatal.Halt(ctx, err)
	}
	if err := att.Attach(pid, func() error {
		return errors.Wrap(ops.Detach(pid, 0), "failed to detach")
	}); err != nil {
		return err
	}

	instrument.Heartbeat(ctx, log, a.cfg.HeartbeatInterval)
	return nil
}

// parsePid 解析十进制 pid，缺失或无法解析是启动时的致命错误
func parsePid(s string) (int, error) {
	pid, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid pid %q", s)
	}
	if pid == 0 {
		return 0, errors.New("invalid pid 0")
	}
	return int(pid), nil
}
