package handoff

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrClosed 表示对端在写入确认字节之前关闭了通道
var ErrClosed = errors.New("handoff: channel closed before handshake")

// Channel 是 init 和跟踪进程之间的一次性同步通道
//
// 底层为 pipe2(O_CLOEXEC|O_DIRECT)，两端都不会泄漏到 exec 之后的程序中。
// init 在 Park 中阻塞，直到跟踪进程已经 seize 它并调用 Unpark。
type Channel struct {
	rd, wr int
	want   byte
}

// NewChannel 创建通道，want 是双方约定的确认字节
func NewChannel(want byte) (*Channel, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_DIRECT); err != nil {
		return nil, errors.Wrap(err, "handoff: pipe2")
	}
	return &Channel{rd: p[0], wr: p[1], want: want}, nil
}

// WriterFromFd 在跟踪进程中包装继承来的写端
func WriterFromFd(fd int, want byte) *Channel {
	return &Channel{rd: -1, wr: fd, want: want}
}

// WriteEnd 返回写端，用于传给子进程
func (c *Channel) WriteEnd() uintptr {
	return uintptr(c.wr)
}

// CloseWrite 关闭本进程持有的写端
// 写端交给子进程之后父进程必须关闭它，否则子进程退出时 Park 无法返回
func (c *Channel) CloseWrite() error {
	if c.wr < 0 {
		return nil
	}
	err := unix.Close(c.wr)
	c.wr = -1
	return err
}

// Park 阻塞读取恰好一个字节，并要求它等于约定的确认字节
func (c *Channel) Park() error {
	if c.rd < 0 {
		return errors.New("handoff: park on write-only channel")
	}
	defer func() {
		unix.Close(c.rd)
		c.rd = -1
	}()

	var b [1]byte
	for {
		n, err := unix.Read(c.rd, b[:])
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return errors.Wrap(err, "handoff: read")
		case n == 0:
			return ErrClosed
		case b[0] != c.want:
			return fmt.Errorf("handoff: unexpected handshake byte %d, want %d", b[0], c.want)
		}
		return nil
	}
}

// Unpark 写入确认字节并关闭写端
func (c *Channel) Unpark() error {
	if c.wr < 0 {
		return errors.New("handoff: unpark on closed channel")
	}
	defer c.CloseWrite()

	b := [1]byte{c.want}
	for {
		_, err := unix.Write(c.wr, b[:])
		if err == unix.EINTR {
			continue
		}
		return errors.Wrap(err, "handoff: write")
	}
}
