package forkexec

import (
	"golang.org/x/sys/unix"
)

var (
	// empty 是 execveat 使用的空路径
	empty = []byte("\000")

	// etxtbsyRetryInterval 定义了遇到 ETXTBSY 错误时的重试间隔
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)
