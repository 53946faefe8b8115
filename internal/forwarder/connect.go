package forwarder

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/openbmx/udptcptun/internal/flowtable"
	"github.com/openbmx/udptcptun/internal/frame"
	"github.com/openbmx/udptcptun/internal/session"
)

// runConnect dials the configured TCP endpoint, runs one epoch to
// completion, and retries after reconnectDelay for as long as ctx is
// live. A dial failure and a session drop are handled identically.
func (f *Forwarder) runConnect(ctx context.Context) error {
	dialer := &net.Dialer{}
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !first {
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return nil
			}
		}
		first = false

		conn, err := dialer.DialContext(ctx, "tcp", f.cfg.TCPAddr.String())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.WithError(err).Warn("connect failed; retrying")
			f.mx.Reconnects.Inc()
			continue
		}

		f.log.WithField("addr", f.cfg.TCPAddr).Info("tcp session established")
		sess := session.Wrap(conn)
		err = f.runConnectEpoch(ctx, sess)
		sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.log.WithError(err).Warn("tcp session ended; reconnecting")
		}
		f.mx.Reconnects.Inc()
	}
}

// runConnectEpoch drives one dialed connection until it ends. The connect
// side always owns a single primary socket bound to -udp-bind; local UDP
// peers send it their traffic directly, and it demultiplexes replies by
// echoing back whatever source endpoint the listen side attached.
func (f *Forwarder) runConnectEpoch(ctx context.Context, sess *session.Session) error {
	e := newEpoch(ctx, sess)
	flows := flowtable.New()

	primary, err := net.ListenUDP("udp", f.cfg.UDPBind.Addr)
	if err != nil {
		return err
	}

	e.startUDPReadPump(primary, uint16(f.cfg.UDPBind.Addr.Port))
	e.startTCPReadPump()

	defer func() {
		sess.Close()
		primary.Close()
		e.finish()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-e.tcpErr:
			if errors.Is(err, frame.ErrMalformed) {
				f.log.WithError(err).Error("oversized frame received; terminating session")
			}
			return err

		case fr := <-e.tcpFrames:
			f.handleConnectTCPFrame(primary, flows, fr)

		case ev := <-e.udpEvents:
			f.handleConnectUDPEvent(e, flows, ev)

		case now := <-e.sweep.C:
			f.sweepConnect(flows, now)
		}
	}
}

// handleConnectTCPFrame routes a frame received from the tunnel peer.
// When -udp-sendto is fixed, every flow lands on the same configured
// destination; when it is "IP:auto", the destination is derived per
// frame from the source endpoint the listen side attached, which is how
// a single primary socket can serve many local peers.
func (f *Forwarder) handleConnectTCPFrame(primary *net.UDPConn, flows *flowtable.Table, fr frame.Frame) {
	now := time.Now()

	dest := f.cfg.UDPSendto.Addr
	if f.cfg.UDPSendto.IsAuto() {
		dest = fr.Source.UDPAddr()
	}

	isNew := flows.Touch(fr.Source, now)
	if isNew {
		f.mx.FlowsEstablished.Inc()
		if f.cfg.Verbose {
			f.log.WithFields(logFields(fr.Source, dest, "connect")).Info("new flow established")
		}
	}
	if f.cfg.Debug {
		flow, _ := flows.Get(fr.Source)
		f.logDatagram(flow.Packets, fr.Source, dest, len(fr.Payload), "connect")
	}

	if _, err := primary.WriteToUDP(fr.Payload, dest); err != nil {
		f.log.WithError(err).Debug("udp send failed; dropping datagram")
		f.mx.DatagramsDropped.Inc()
		return
	}
	f.mx.PacketsForwarded.WithLabelValues("tcp_to_udp").Inc()
	f.mx.BytesForwarded.WithLabelValues("tcp_to_udp").Add(float64(len(fr.Payload)))
}

// handleConnectUDPEvent handles a datagram arriving on the primary
// socket: it is tagged with its sender's address and forwarded upstream
// verbatim.
func (f *Forwarder) handleConnectUDPEvent(e *epoch, flows *flowtable.Table, ev udpEvent) {
	source := frame.EndpointFromUDPAddr(ev.from)
	flows.Touch(source, time.Now())

	if err := e.sess.WriteFrame(frame.Frame{Source: source, Payload: ev.payload}); err != nil {
		e.trySignalErr(err)
		return
	}
	f.mx.PacketsForwarded.WithLabelValues("udp_to_tcp").Inc()
	f.mx.BytesForwarded.WithLabelValues("udp_to_tcp").Add(float64(len(ev.payload)))
}

func (f *Forwarder) sweepConnect(flows *flowtable.Table, now time.Time) {
	idle := flows.SweepIdle(now)
	for _, key := range idle {
		f.mx.FlowsEvictedIdle.Inc()
		if f.cfg.Verbose {
			f.log.WithField("peer", key.String()).Info("evicted idle flow")
		}
	}
	f.mx.FlowsActive.Set(float64(flows.Len()))
}
