// Package config 定义两个程序共用的配置
//
// 默认值就是设备上使用的常量，配置文件只需要覆盖需要修改的字段。
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config 是 init-injector 和 device-agent 的配置
type Config struct {
	// LogLevel 是日志输出端的过滤级别
	LogLevel string `yaml:"log_level"`

	// OriginalInit 是确认跟踪开始后交还控制权的原始 init
	OriginalInit string `yaml:"original_init"`

	// ProcDir 是进程信息文件系统的挂载点
	ProcDir string `yaml:"proc_dir"`

	// AgentPath 是第二个程序被写出的位置，AgentMode 是其权限
	AgentPath string      `yaml:"agent_path"`
	AgentMode os.FileMode `yaml:"agent_mode"`

	// ZygotePath 和 ZygoteFlag 用于识别 zygote 的 exec
	ZygotePath string `yaml:"zygote_path"`
	ZygoteFlag string `yaml:"zygote_flag"`

	// HandshakeByte 是交接通道上传递的确认字节
	HandshakeByte byte `yaml:"handshake_byte"`

	// HaltInterval 是致命错误诊断信息的重复间隔
	HaltInterval time.Duration `yaml:"halt_interval"`

	// HeartbeatInterval 是注入完成后 device-agent 的心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		LogLevel:          "info",
		OriginalInit:      "/original-init",
		ProcDir:           "/proc",
		AgentPath:         "/data/local/tmp/device-agent",
		AgentMode:         0o777,
		ZygotePath:        "/system/bin/app_process64",
		ZygoteFlag:        "-Xzygote",
		HandshakeByte:     123,
		HaltInterval:      time.Second,
		HeartbeatInterval: time.Second,
	}
}

//go:embed default.yaml
var embedded []byte

// Embedded 返回编译进程序的配置
// init-injector 以 pid 1 运行时没有可读的配置文件，只能使用它
func Embedded() (Config, error) {
	return Parse(embedded)
}

// Parse 在默认配置之上解析 YAML
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "config: parse")
	}
	return c, c.Validate()
}

// Load 从 fs 中读取配置文件，name 为空时返回嵌入的配置
func Load(fs afero.Fs, name string) (Config, error) {
	if name == "" {
		return Embedded()
	}
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return Default(), errors.Wrapf(err, "config: read %s", name)
	}
	return Parse(data)
}

// Validate 检查所有字段，一次返回全部问题
func (c Config) Validate() error {
	var err error
	for name, p := range map[string]string{
		"original_init": c.OriginalInit,
		"proc_dir":      c.ProcDir,
		"agent_path":    c.AgentPath,
		"zygote_path":   c.ZygotePath,
	} {
		if !path.IsAbs(p) {
			err = multierr.Append(err, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	if c.ZygoteFlag == "" {
		err = multierr.Append(err, errors.New("zygote_flag must not be empty"))
	}
	if c.AgentMode&0o111 == 0 {
		err = multierr.Append(err, fmt.Errorf("agent_mode %#o is not executable", c.AgentMode))
	}
	if c.HandshakeByte == 0 {
		err = multierr.Append(err, errors.New("handshake_byte must not be zero"))
	}
	if c.HaltInterval <= 0 {
		err = multierr.Append(err, errors.New("halt_interval must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("heartbeat_interval must be positive"))
	}
	return err
}
