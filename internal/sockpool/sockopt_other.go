//go:build !(linux || darwin || freebsd)

package sockpool

import "net"

// tuneSocketBuffers is a no-op on every platform other than linux, darwin
// and freebsd; socket buffers keep their OS defaults there.
func tuneSocketBuffers(conn *net.UDPConn, size int) {}
