// Package forwarder is the central event loop: it multiplexes readiness
// across the TCP session and every UDP socket, applies side-specific
// routing policy, and handles idle eviction and reconnection.
//
// Each "epoch" (one active TCP Session) runs its own socket pool, flow
// table, and fan-in goroutines, all scoped to an epoch context that is
// cancelled the moment the session ends: no Flow from a previous Session
// is ever visible once a new Session begins.
package forwarder

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openbmx/udptcptun/internal/config"
	"github.com/openbmx/udptcptun/internal/frame"
	"github.com/openbmx/udptcptun/internal/metrics"
	"github.com/openbmx/udptcptun/internal/session"
)

// reconnectDelay is the fixed backoff between connect attempts or after a
// session drop on the connect side. A fixed delay avoids a busy-loop
// without the extra state exponential backoff would need.
const reconnectDelay = time.Second

// sweepInterval is the cadence of the idle-eviction sweep, run on its own
// ticker so per-wakeup handlers stay free of sweep logic.
const sweepInterval = 2 * time.Second

// udpReadBufSize comfortably exceeds the largest legal UDP datagram.
const udpReadBufSize = 65536

// Forwarder owns one tunnel instance (either role) for its run.
type Forwarder struct {
	cfg *config.Config
	log *logrus.Logger
	mx  *metrics.Collectors
}

// New constructs a Forwarder. log and mx must be non-nil.
func New(cfg *config.Config, log *logrus.Logger, mx *metrics.Collectors) *Forwarder {
	return &Forwarder{cfg: cfg, log: log, mx: mx}
}

// Run dispatches to the listen or connect role loop and blocks until ctx
// is cancelled (clean shutdown) or an unrecoverable error occurs.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.cfg.Role == config.RoleListen {
		return f.runListen(ctx)
	}
	return f.runConnect(ctx)
}

// udpEvent is one datagram received on some UDP socket, tagged with the
// local port it arrived on so the handler can attribute it to a flow.
type udpEvent struct {
	localPort uint16
	from      *net.UDPAddr
	payload   []byte
}

// epoch bundles the state and fan-in channels shared by both role
// implementations for the lifetime of a single TCP Session. Every read
// pump runs under a shared errgroup.Group so that finish can wait for all
// of them with one call, the same supervision shape the pack's one
// x/sync-dependent repo (tinyrange-cc) uses for its own worker fan-out.
type epoch struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	sess *session.Session

	tcpFrames chan frame.Frame
	tcpErr    chan error
	udpEvents chan udpEvent

	sweep *time.Ticker
}

func newEpoch(parent context.Context, sess *session.Session) *epoch {
	cancelCtx, cancel := context.WithCancel(parent)
	group, groupCtx := errgroup.WithContext(cancelCtx)
	return &epoch{
		ctx:       groupCtx,
		cancel:    cancel,
		group:     group,
		sess:      sess,
		tcpFrames: make(chan frame.Frame),
		tcpErr:    make(chan error, 1),
		udpEvents: make(chan udpEvent),
		sweep:     time.NewTicker(sweepInterval),
	}
}

// startTCPReadPump decodes frames off the session and feeds them into
// e.tcpFrames, respecting epoch cancellation for backpressure and clean
// shutdown alike.
func (e *epoch) startTCPReadPump() {
	e.group.Go(func() error {
		for {
			fr, err := e.sess.ReadFrame()
			if err != nil {
				select {
				case e.tcpErr <- err:
				case <-e.ctx.Done():
				}
				return nil
			}
			select {
			case e.tcpFrames <- fr:
			case <-e.ctx.Done():
				return nil
			}
		}
	})
}

// startUDPReadPump reads datagrams off conn (bound to localPort) and
// feeds them into e.udpEvents until the epoch ends or the socket errors
// (which happens once the owning pool/primary socket is closed on
// teardown).
func (e *epoch) startUDPReadPump(conn *net.UDPConn, localPort uint16) {
	e.group.Go(func() error {
		buf := make([]byte, udpReadBufSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return nil
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case e.udpEvents <- udpEvent{localPort: localPort, from: from, payload: payload}:
			case <-e.ctx.Done():
				return nil
			}
		}
	})
}

// finish cancels the epoch, stops the sweep ticker, and waits for every
// pump goroutine to exit. The caller is responsible for closing the
// session and any sockets first so that blocked reads unblock.
func (e *epoch) finish() {
	e.cancel()
	e.sweep.Stop()
	e.group.Wait()
}
