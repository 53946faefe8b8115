// Package metrics exposes the Forwarder's operational counters over
// Prometheus, grounded on the corpus's own prometheus/client_golang usage
// (prom_server.go): a handful of promauto collectors registered once on a
// dedicated registry and served via promhttp.HandlerFor.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every counter/gauge the forwarder updates.
type Collectors struct {
	FlowsActive       prometheus.Gauge
	PacketsForwarded  *prometheus.CounterVec // label "direction": udp_to_tcp | tcp_to_udp
	BytesForwarded    *prometheus.CounterVec
	FlowsEvictedIdle  prometheus.Counter
	FlowsEstablished  prometheus.Counter
	DatagramsDropped  prometheus.Counter
	Reconnects        prometheus.Counter
	SessionsAccepted  prometheus.Counter
}

// New registers all collectors against a fresh registry and returns both.
func New() (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "udptcptun_flows_active",
			Help: "Number of flows currently tracked in the flow table.",
		}),
		PacketsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "udptcptun_packets_forwarded_total",
			Help: "Datagrams forwarded, by direction.",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "udptcptun_bytes_forwarded_total",
			Help: "Payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		FlowsEvictedIdle: factory.NewCounter(prometheus.CounterOpts{
			Name: "udptcptun_flows_evicted_idle_total",
			Help: "Flows evicted for exceeding the idle timeout.",
		}),
		FlowsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Name: "udptcptun_flows_established_total",
			Help: "New flows observed for the first time.",
		}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "udptcptun_datagrams_dropped_total",
			Help: "Datagrams dropped due to transient send/allocate failures.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "udptcptun_reconnects_total",
			Help: "Number of TCP reconnect cycles on the connect side.",
		}),
		SessionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "udptcptun_sessions_total",
			Help: "Number of TCP connections accepted on the listen side.",
		}),
	}, reg
}

// Serve starts an HTTP server exposing reg on addr at /metrics, and
// shuts it down when ctx is cancelled. It is a fire-and-forget helper:
// listen errors are sent on the returned channel.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) <-chan error {
	errCh := make(chan error, 1)
	if addr == "" {
		return errCh
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return errCh
}
