package forwarder

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/openbmx/udptcptun/internal/flowtable"
	"github.com/openbmx/udptcptun/internal/frame"
	"github.com/openbmx/udptcptun/internal/session"
	"github.com/openbmx/udptcptun/internal/sockpool"
)

// runListen accepts exactly one TCP connection at a time on the
// configured endpoint. When the active session terminates, a new accept
// cycle begins immediately.
func (f *Forwarder) runListen(ctx context.Context) error {
	ln, err := net.ListenTCP("tcp", f.cfg.TCPAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	f.log.WithField("addr", f.cfg.TCPAddr).Info("listening for tcp connections")

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		f.log.WithField("peer", conn.RemoteAddr()).Info("accepted tcp connection")
		f.mx.SessionsAccepted.Inc()

		sess := session.Wrap(conn)
		err = f.runListenEpoch(ctx, sess)
		sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.log.WithError(err).Warn("tcp session ended")
		}
	}
}

// runListenEpoch drives one accepted connection until it ends. Under
// "udp-bind auto" every remote flow gets a dedicated pooled socket so that
// backend replies demultiplex correctly; otherwise a single shared socket
// carries every flow, matching the connect side's own primary-socket mode.
func (f *Forwarder) runListenEpoch(ctx context.Context, sess *session.Session) error {
	e := newEpoch(ctx, sess)
	flows := flowtable.New()

	var pool *sockpool.Pool
	var primary *net.UDPConn

	if f.cfg.UDPBind.IsAuto() {
		pool = sockpool.New(net.IPv4zero)
	} else {
		conn, err := net.ListenUDP("udp", f.cfg.UDPBind.Addr)
		if err != nil {
			return err
		}
		primary = conn
		e.startUDPReadPump(primary, uint16(f.cfg.UDPBind.Addr.Port))
	}

	e.startTCPReadPump()

	defer func() {
		sess.Close()
		if pool != nil {
			pool.Close()
		}
		if primary != nil {
			primary.Close()
		}
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
			f.handleListenTCPFrame(e, pool, primary, flows, fr)

		case ev := <-e.udpEvents:
			f.handleListenUDPEvent(e, pool, flows, ev)

		case now := <-e.sweep.C:
			f.sweepListen(pool, flows, now)
		}
	}
}

// handleListenTCPFrame routes a frame received from the tunnel peer: the
// frame's source endpoint identifies the flow, which is routed either to
// its dedicated pooled socket (auto bind) or the shared primary socket
// (fixed bind), always toward the configured backend.
func (f *Forwarder) handleListenTCPFrame(e *epoch, pool *sockpool.Pool, primary *net.UDPConn, flows *flowtable.Table, fr frame.Frame) {
	now := time.Now()
	isNew := flows.Touch(fr.Source, now)
	if isNew {
		f.mx.FlowsEstablished.Inc()
		if f.cfg.Verbose {
			f.log.WithFields(logFields(fr.Source, f.cfg.UDPSendto.Addr, "listen")).Info("new flow established")
		}
	}
	if f.cfg.Debug {
		flow, _ := flows.Get(fr.Source)
		f.logDatagram(flow.Packets, fr.Source, f.cfg.UDPSendto.Addr, len(fr.Payload), "listen")
	}

	conn := primary
	if pool != nil {
		entry, created, err := pool.AcquireFor(fr.Source)
		if err != nil {
			f.log.WithError(err).Warn("failed to allocate flow socket; dropping datagram")
			f.mx.DatagramsDropped.Inc()
			return
		}
		if created {
			e.startUDPReadPump(entry.Conn, entry.LocalPort)
		}
		conn = entry.Conn
	}

	if _, err := conn.WriteToUDP(fr.Payload, f.cfg.UDPSendto.Addr); err != nil {
		f.log.WithError(err).Debug("udp send failed; dropping datagram")
		f.mx.DatagramsDropped.Inc()
		return
	}
	f.mx.PacketsForwarded.WithLabelValues("tcp_to_udp").Inc()
	f.mx.BytesForwarded.WithLabelValues("tcp_to_udp").Add(float64(len(fr.Payload)))
}

// handleListenUDPEvent handles a datagram arriving from the backend:
// under auto bind the owning flow is recovered from the socket's local
// port; under fixed bind the reply is simply re-tagged with its origin
// and forwarded upstream.
func (f *Forwarder) handleListenUDPEvent(e *epoch, pool *sockpool.Pool, flows *flowtable.Table, ev udpEvent) {
	var source frame.Endpoint

	if pool != nil {
		key, ok := pool.LookupByLocalPort(ev.localPort)
		if !ok {
			// The socket was evicted between the read completing and
			// this event being handled; drop the orphaned datagram.
			return
		}
		source = key
	} else {
		source = frame.EndpointFromUDPAddr(ev.from)
	}
	flows.Touch(source, time.Now())

	if err := e.sess.WriteFrame(frame.Frame{Source: source, Payload: ev.payload}); err != nil {
		e.trySignalErr(err)
		return
	}
	f.mx.PacketsForwarded.WithLabelValues("udp_to_tcp").Inc()
	f.mx.BytesForwarded.WithLabelValues("udp_to_tcp").Add(float64(len(ev.payload)))
}

func (f *Forwarder) sweepListen(pool *sockpool.Pool, flows *flowtable.Table, now time.Time) {
	idle := flows.SweepIdle(now)
	for _, key := range idle {
		if pool != nil {
			pool.Evict(key)
		}
		f.mx.FlowsEvictedIdle.Inc()
		if f.cfg.Verbose {
			f.log.WithField("peer", key.String()).Info("evicted idle flow")
		}
	}
	f.mx.FlowsActive.Set(float64(flows.Len()))
}
