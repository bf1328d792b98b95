//go:build frida

package instrument

// #include <glib.h>
import "C"

import (
	"runtime/cgo"
)

// instrumentRunOnMain 在引擎主上下文的线程上运行
// cgo 回调期间 goroutine 固定在这个线程上，其中发出的 ptrace 请求都来自该线程
//
//export instrumentRunOnMain
func instrumentRunOnMain(data C.gpointer) C.gboolean {
	cgo.Handle(uintptr(data)).Value().(func())()
	// G_SOURCE_REMOVE
	return C.FALSE
}
