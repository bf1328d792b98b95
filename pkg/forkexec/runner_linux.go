package forkexec

// Runner 描述一次 fork + exec
//
// 这里的进程没有 /proc 可用（pid 1 刚启动时），或者根目录随时可能被
// init 切换，因此 Runner 不依赖任何路径解析，只使用原始系统调用。
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args[0] 是要执行的程序路径
	Args []string
	Env  []string

	// ExecFile 如果定义了，将使用 execveat(fd, "", AT_EMPTY_PATH)
	// 可执行文件所在的目录被删除或根目录被切换后仍然可以执行
	ExecFile uintptr

	// Files 定义了新进程的文件描述符映射
	// 索引从 0 开始，通常 0,1,2 分别对应 stdin, stdout, stderr
	// 值为 -1 的位置在子进程中被关闭
	Files []uintptr

	// WorkDir 设置子进程的工作目录，为空时继承父进程的工作目录
	WorkDir string

	// Setsid 使子进程成为新会话的首进程
	Setsid bool

	// SyncFunc 在子进程 execve 之前被调用，参数为子进程的 PID
	// 如果 SyncFunc 返回错误，子进程会被杀死并回收
	SyncFunc func(int) error
}
