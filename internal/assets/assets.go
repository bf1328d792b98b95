// Package assets 保存编译进 init-injector 的 device-agent
package assets

import (
	"embed"
	"io/fs"

	"github.com/pkg/errors"
)

// AgentName 是 device-agent 在 bin 目录中的文件名
const AgentName = "bin/device-agent"

//go:embed bin
var files embed.FS

// DeviceAgent 返回嵌入的 device-agent
// 构建时没有放入 bin/device-agent 则返回错误
func DeviceAgent() ([]byte, error) {
	return read(files, AgentName)
}

func read(fsys fs.FS, name string) ([]byte, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.Wrapf(err, "assets: %s was not embedded", name)
	}
	if len(data) == 0 {
		return nil, errors.Errorf("assets: %s is empty", name)
	}
	return data, nil
}
