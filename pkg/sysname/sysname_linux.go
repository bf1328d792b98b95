// Package sysname 把系统调用号转换为名称，仅用于日志
package sysname

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// info 是当前系统架构的系统调用表
// info.SyscallNumbers 是 map[int]string，键为系统调用号
var info, errInfo = arch.GetInfo("")

// ToSyscallName 将系统调用号转换为名称
// 系统调用号被改写为 -1 或不存在时返回错误
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// Name 与 ToSyscallName 相同，失败时返回 "syscall(<no>)"
func Name(sysno uint) string {
	n, err := ToSyscallName(sysno)
	if err != nil {
		return fmt.Sprintf("syscall(%d)", int(sysno))
	}
	return n
}
