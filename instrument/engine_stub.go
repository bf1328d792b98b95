//go:build !frida

package instrument

// Obtain 返回 ErrNoEngine，需要使用 -tags frida 构建
func Obtain() (Engine, error) {
	return nil, ErrNoEngine
}
