// Package logger 构建进程唯一的 zap 日志器
//
// 输出格式为 `[module][LEVEL] message`，module 是 zap 的 logger 名称，
// 结构化字段追加在消息之后。日志器在进程启动时创建一次并传给各个组件，
// 没有全局实例，也没有关闭流程：进程的生命周期就是程序的生命周期。
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// DefaultLevel 是输出端默认的过滤级别，debug 日志默认不会输出
const DefaultLevel = zapcore.InfoLevel

var pool = buffer.NewPool()

// prefixEncoder 在控制台编码器的输出前加上 [module][LEVEL] 前缀
type prefixEncoder struct {
	zapcore.Encoder
}

// NewEncoder 返回输出 `[module][LEVEL] message` 的编码器
func NewEncoder() zapcore.Encoder {
	return prefixEncoder{zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})}
}

func (e prefixEncoder) Clone() zapcore.Encoder {
	return prefixEncoder{e.Encoder.Clone()}
}

func (e prefixEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line, err := e.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}
	defer line.Free()

	module := ent.LoggerName
	if module == "" {
		module = "unknown"
	}
	buf := pool.Get()
	buf.AppendByte('[')
	buf.AppendString(module)
	buf.AppendString("][")
	buf.AppendString(ent.Level.CapitalString())
	buf.AppendString("] ")
	buf.Write(line.Bytes())
	return buf, nil
}

// New 创建写入 w 的日志器，level 是输出端的过滤级别
func New(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	core := zapcore.NewCore(NewEncoder(), zapcore.AddSync(w), level)
	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(os.Stderr)))
}

// NewStdout 创建写入标准输出的日志器
// level 为空时使用 DefaultLevel，无法解析时返回错误
func NewStdout(level string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevelAt(DefaultLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, lvl, err
		}
	}
	return New(os.Stdout, lvl), lvl, nil
}
