package sockpool

import (
	"net"
	"testing"

	"github.com/openbmx/udptcptun/internal/frame"
)

func key(ip string, port int) frame.Endpoint {
	return frame.EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP(ip), Port: port})
}

func TestAcquireForCreatesDistinctSockets(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k1 := key("198.51.100.1", 52341)
	k2 := key("198.51.100.2", 52342)

	e1, created1, err := p.AcquireFor(k1)
	if err != nil {
		t.Fatalf("AcquireFor k1: %v", err)
	}
	if !created1 {
		t.Fatalf("expected k1 to be newly created")
	}
	e2, created2, err := p.AcquireFor(k2)
	if err != nil {
		t.Fatalf("AcquireFor k2: %v", err)
	}
	if !created2 {
		t.Fatalf("expected k2 to be newly created")
	}

	if e1.LocalPort == e2.LocalPort {
		t.Fatalf("expected distinct local ports, both got %d", e1.LocalPort)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 pool entries, got %d", p.Len())
	}
}

func TestAcquireForIsIdempotent(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k := key("198.51.100.1", 52341)
	e1, _, err := p.AcquireFor(k)
	if err != nil {
		t.Fatalf("AcquireFor: %v", err)
	}
	e2, created, err := p.AcquireFor(k)
	if err != nil {
		t.Fatalf("AcquireFor (second): %v", err)
	}
	if created {
		t.Fatalf("expected second acquire to reuse the existing entry")
	}
	if e1 != e2 {
		t.Fatalf("expected the same entry pointer back")
	}
}

// TestBijection is the pool-bijection property: every present entry's
// local-port index resolves back to that same FlowKey, and vice versa.
func TestBijection(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	keys := []frame.Endpoint{
		key("203.0.113.1", 1),
		key("203.0.113.2", 2),
		key("203.0.113.3", 3),
	}
	for _, k := range keys {
		if _, _, err := p.AcquireFor(k); err != nil {
			t.Fatalf("AcquireFor: %v", err)
		}
	}

	p.Evict(keys[1])

	for _, e := range p.Entries() {
		gotKey, ok := p.LookupByLocalPort(e.LocalPort)
		if !ok {
			t.Fatalf("LookupByLocalPort(%d) missing", e.LocalPort)
		}
		if gotKey != e.Key {
			t.Fatalf("bijection broken: port %d -> %v, want %v", e.LocalPort, gotKey, e.Key)
		}
	}

	if p.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", p.Len())
	}
}

func TestEvictRemovesFromBothMaps(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k := key("203.0.113.9", 9000)
	e, _, err := p.AcquireFor(k)
	if err != nil {
		t.Fatalf("AcquireFor: %v", err)
	}
	p.Evict(k)

	if _, _, err := p.AcquireFor(k); err != nil {
		t.Fatalf("AcquireFor after evict: %v", err)
	}
	if _, ok := p.LookupByLocalPort(e.LocalPort); ok {
		t.Fatalf("expected old local port to be gone after eviction")
	}
}
