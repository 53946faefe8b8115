// Package sockpool owns the per-flow UDP sockets created dynamically under
// "auto" mode on the listen side. The single socket used in fixed mode and
// on the connect side is held by the forwarder directly, not by a pool.
package sockpool

import (
	"fmt"
	"net"
	"sync"

	"github.com/openbmx/udptcptun/internal/frame"
)

// socketBufSize is the SO_RCVBUF/SO_SNDBUF size applied to every pooled
// socket. A pool that may hold hundreds of per-flow sockets benefits from
// a deliberately modest buffer so that a burst of idle flows doesn't pin
// down an outsized share of kernel memory.
const socketBufSize = 256 * 1024

// Entry is one pooled UDP socket and the flow it belongs to.
type Entry struct {
	Key       frame.Endpoint
	Conn      *net.UDPConn
	LocalPort uint16
}

// Pool maintains two maps onto the same set of entries so that lookup by
// FlowKey (outbound sends) and lookup by local port (inbound replies) are
// both O(1). Eviction removes from both atomically.
type Pool struct {
	bindIP net.IP

	mu      sync.Mutex
	byKey   map[frame.Endpoint]*Entry
	byPort  map[uint16]*Entry
}

// New creates an empty pool. bindIP is the address new per-flow sockets
// bind to; the zero value binds the wildcard address.
func New(bindIP net.IP) *Pool {
	return &Pool{
		bindIP: bindIP,
		byKey:  make(map[frame.Endpoint]*Entry),
		byPort: make(map[uint16]*Entry),
	}
}

// AcquireFor returns the pool entry for key, creating a fresh
// OS-assigned-port UDP socket if none exists yet. Two distinct keys always
// receive two distinct sockets.
func (p *Pool) AcquireFor(key frame.Endpoint) (*Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byKey[key]; ok {
		return e, false, nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: 0})
	if err != nil {
		return nil, false, fmt.Errorf("sockpool: acquire: %w", err)
	}
	tuneSocketBuffers(conn, socketBufSize)

	localPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	e := &Entry{Key: key, Conn: conn, LocalPort: localPort}

	p.byKey[key] = e
	p.byPort[localPort] = e
	return e, true, nil
}

// LookupByLocalPort returns the FlowKey associated with the socket bound
// to the given local port, used when a datagram arrives on a pooled
// socket and must be attributed back to its owning flow.
func (p *Pool) LookupByLocalPort(port uint16) (frame.Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byPort[port]
	if !ok {
		return frame.Endpoint{}, false
	}
	return e.Key, true
}

// Evict drops the pool entry for key and closes its socket. It is a no-op
// if key is not present.
func (p *Pool) Evict(key frame.Endpoint) {
	p.mu.Lock()
	e, ok := p.byKey[key]
	if ok {
		delete(p.byKey, key)
		delete(p.byPort, e.LocalPort)
	}
	p.mu.Unlock()

	if ok {
		e.Conn.Close()
	}
}

// Entries returns a snapshot of every pool entry, for spawning or
// reconciling read pumps.
func (p *Pool) Entries() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.byKey))
	for _, e := range p.byKey {
		out = append(out, e)
	}
	return out
}

// Len reports the number of active pool entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

// Close releases every socket in the pool and empties it. Used on Session
// teardown so that no Flow from a previous Session remains visible.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := make([]*Entry, 0, len(p.byKey))
	for _, e := range p.byKey {
		entries = append(entries, e)
	}
	p.byKey = make(map[frame.Endpoint]*Entry)
	p.byPort = make(map[uint16]*Entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.Conn.Close()
	}
}
