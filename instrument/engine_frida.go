//go:build frida

package instrument

import (
	"fmt"

	"github.com/frida/frida-go/frida"
	"github.com/pkg/errors"
)

// fridaEngine 在 frida 的主上下文线程上执行 Execute
// 注入器 seize zygote 和最后的 detach 都通过 Execute 运行，
// 因此持有 ptrace 的线程正是引擎 attach 时执行注入的线程
type fridaEngine struct {
	logs LogHandler
}

// Obtain 返回 frida 引擎
func Obtain() (Engine, error) {
	return &fridaEngine{
		logs: func(string, int, string) {},
	}, nil
}

func (e *fridaEngine) SetLogHandler(h LogHandler) {
	if h != nil {
		e.logs = h
	}
}

func (e *fridaEngine) Execute(fn func()) {
	invokeOnMain(fn)
}

func (e *fridaEngine) LocalDevice() (Device, error) {
	d := frida.LocalDevice()
	if d == nil {
		return nil, errors.New("instrument: local device not found")
	}
	e.logs("frida", 0, fmt.Sprintf("local device %s", d.ID()))
	return &fridaDevice{d: d, logs: e.logs}, nil
}

type fridaDevice struct {
	d    *frida.Device
	logs LogHandler
}

func (d *fridaDevice) ID() string   { return d.d.ID() }
func (d *fridaDevice) Name() string { return d.d.Name() }

func (d *fridaDevice) Attach(pid int) (Session, error) {
	s, err := d.d.Attach(pid, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "frida: attach %d", pid)
	}
	return s, nil
}

func (d *fridaDevice) Resume(pid int) error {
	return errors.Wrapf(d.d.Resume(pid), "frida: resume %d", pid)
}

func (d *fridaDevice) OnChildAdded(fn func(pid int)) {
	d.d.On("child-added", func(c *frida.Child) {
		d.logs("frida", 0, fmt.Sprintf("child-added pid=%d", c.PID()))
		fn(int(c.PID()))
	})
}
