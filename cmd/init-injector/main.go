// init-injector 以 pid 1 运行，在真正的 init 启动之前接管它的 ptrace
package main

import (
	"github.com/zqzqsb/zygote-inject/cmd/init-injector/cli"
)

func main() {
	// pid 1 不能退出，Execute 在出错时永远不会返回
	cli.Execute()
}
