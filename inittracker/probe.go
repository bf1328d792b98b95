package inittracker

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ProcProbe 判断进程信息文件系统是否已经挂载
//
// init 在切换根目录之前挂载 /proc。目录非空说明启动流程已经走到这一步，
// 此时把工作目录切换进去，根目录切换之后仍然可以通过相对路径访问它。
type ProcProbe struct {
	Fs    afero.Fs
	Dir   string
	Chdir func(dir string) error
}

// NewProcProbe 返回使用真实文件系统的 ProcProbe
func NewProcProbe(dir string) *ProcProbe {
	return &ProcProbe{Fs: afero.NewOsFs(), Dir: dir, Chdir: unix.Chdir}
}

// Probe 在目录非空时切换工作目录并返回 true
// 目录不可读或为空时返回 false，切换工作目录失败是致命错误
func (p *ProcProbe) Probe() (bool, error) {
	entries, err := afero.ReadDir(p.Fs, p.Dir)
	if err != nil || len(entries) == 0 {
		return false, nil
	}
	if err := p.Chdir(p.Dir); err != nil {
		return false, errors.Wrapf(err, "chdir %s", p.Dir)
	}
	return true, nil
}
