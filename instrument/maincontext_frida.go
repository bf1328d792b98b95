//go:build frida

package instrument

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -lfrida-core -ldl -lm -lresolv -pthread
#include <frida-core.h>

extern gboolean instrumentRunOnMain(gpointer data);

static void instrument_invoke(uintptr_t handle)
{
	g_main_context_invoke(frida_get_main_context(), instrumentRunOnMain, (gpointer) handle);
}
*/
import "C"

import (
	"runtime/cgo"
)

// invokeOnMain 把 fn 投递到引擎的主上下文线程执行并等待其返回
// fn 中的 panic 会在调用者的 goroutine 中重新抛出
func invokeOnMain(fn func()) {
	done := make(chan interface{}, 1)
	h := cgo.NewHandle(func() {
		defer func() { done <- recover() }()
		fn()
	})
	defer h.Delete()

	C.instrument_invoke(C.uintptr_t(h))
	if r := <-done; r != nil {
		panic(r)
	}
}
