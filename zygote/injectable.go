package zygote

import "golang.org/x/sys/unix"

// Injectable 判断系统调用是否属于等待事件的阻塞调用
//
// zygote 的主循环阻塞在其中之一上等待外部输入，
// 在这里伪造一次 EINTR 不会破坏任何应用状态
func Injectable(sysno uint) bool {
	switch sysno {
	case unix.SYS_SELECT,
		unix.SYS_PSELECT6,
		unix.SYS_POLL,
		unix.SYS_PPOLL,
		unix.SYS_EPOLL_WAIT,
		unix.SYS_EPOLL_WAIT_OLD,
		unix.SYS_EPOLL_PWAIT:
		return true
	}
	return false
}
