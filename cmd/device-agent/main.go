// device-agent 接管停止的 zygote，把它交给插桩引擎
package main

import (
	"github.com/zqzqsb/zygote-inject/cmd/device-agent/cli"
)

func main() {
	cli.Execute()
}
