package forwarder

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/openbmx/udptcptun/internal/frame"
)

// logFields builds the common structured fields for a flow-level log line.
// dest may be nil when no destination is known yet.
func logFields(source frame.Endpoint, dest *net.UDPAddr, side string) logrus.Fields {
	fields := logrus.Fields{
		"side":   side,
		"source": source.String(),
	}
	if dest != nil {
		fields["dest"] = dest.String()
	}
	return fields
}

// logDatagram emits a debug-level line for one forwarded datagram, tagged
// with the flow's running packet count.
func (f *Forwarder) logDatagram(seq uint64, source frame.Endpoint, dest *net.UDPAddr, size int, side string) {
	fields := logFields(source, dest, side)
	fields["seq"] = seq
	fields["bytes"] = size
	f.log.WithFields(fields).Debug("datagram forwarded")
}

// trySignalErr delivers err to the epoch's dispatch loop without blocking.
// Used by UDP-side handlers when a session write fails, so a broken TCP
// half is torn down the same way a broken read would be.
func (e *epoch) trySignalErr(err error) {
	select {
	case e.tcpErr <- err:
	default:
	}
}
