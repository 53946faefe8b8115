//go:build linux || darwin || freebsd

package sockpool

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocketBuffers sets SO_RCVBUF/SO_SNDBUF on a freshly created UDP
// socket. Best effort: a failure here is not fatal to the flow.
func tuneSocketBuffers(conn *net.UDPConn, size int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
}
