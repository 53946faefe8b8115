// Command udptcptun tunnels UDP traffic over a single TCP connection,
// with per-flow socket management on the listen side so that multiple
// concurrent UDP clients route correctly through one tunnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openbmx/udptcptun/internal/config"
	"github.com/openbmx/udptcptun/internal/forwarder"
	"github.com/openbmx/udptcptun/internal/metrics"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			usage()
			return 0
		}
	}

	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udptcptun: %v\n", err)
		fmt.Fprintln(os.Stderr, "Try -h for usage.")
		return 1
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case cfg.Debug:
		log.SetLevel(logrus.DebugLevel)
	case cfg.Verbose:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mx, reg := metrics.New()
	if cfg.MetricsAddr != "" {
		log.WithField("addr", cfg.MetricsAddr).Info("serving prometheus metrics")
		metricsErr := metrics.Serve(ctx, cfg.MetricsAddr, reg)
		go func() {
			if err := <-metricsErr; err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	fwd := forwarder.New(cfg, log, mx)
	log.WithFields(logrus.Fields{
		"role":       cfg.Role,
		"tcp":        cfg.TCPAddr,
		"udp-bind":   cfg.UDPBind,
		"udp-sendto": cfg.UDPSendto,
	}).Info("starting tunnel")

	if err := fwd.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("tunnel exited")
		return 1
	}
	return 0
}

func usage() {
	bin := "udptcptun"
	fmt.Fprintln(os.Stderr, bin)
	fmt.Fprintln(os.Stderr, "https://github.com/openbmx/udptcptun")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "DESCRIPTION:")
	fmt.Fprintln(os.Stderr, "    Tunnels UDP traffic over a TCP connection with per-flow socket management.")
	fmt.Fprintln(os.Stderr, "    Supports multiple concurrent UDP flows with correct return packet routing.")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "USAGE:")
	fmt.Fprintf(os.Stderr, "    %s [OPTIONS] -tcp-listen <PORT> -udp-bind <ADDR> -udp-sendto <ADDR>\n", bin)
	fmt.Fprintf(os.Stderr, "    %s [OPTIONS] -tcp-connect <ADDR> -udp-bind <ADDR> -udp-sendto <ADDR>\n", bin)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "REQUIRED ARGUMENTS:")
	fmt.Fprintln(os.Stderr, "    -tcp-listen <PORT>     Accept TCP connections on this port")
	fmt.Fprintln(os.Stderr, "    -tcp-connect <ADDR>    Dial the TCP server at this address")
	fmt.Fprintln(os.Stderr, "    -udp-bind <ADDR>       Bind the UDP socket to this address (or 'auto' for per-flow)")
	fmt.Fprintln(os.Stderr, "    -udp-sendto <ADDR>     Forward UDP payloads to this address (or 'IP:auto' for dynamic)")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "OPTIONS:")
	fmt.Fprintln(os.Stderr, "    -verbose               Log flow establishment and eviction")
	fmt.Fprintln(os.Stderr, "    -debug                 Log per-datagram sequence numbers and endpoints")
	fmt.Fprintln(os.Stderr, "    -metrics <ADDR>        Serve Prometheus metrics on this address")
	fmt.Fprintln(os.Stderr, "    -h, --help             Show this help message")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "ADDRESS FORMATS:")
	fmt.Fprintln(os.Stderr, "    PORT         Bare port number (defaults to 0.0.0.0 for bind, 127.0.0.1 for connect)")
	fmt.Fprintln(os.Stderr, "    IP:PORT      Explicit address and port")
	fmt.Fprintln(os.Stderr, "    auto         Dedicated per-flow sockets (-udp-bind, listen role only)")
	fmt.Fprintln(os.Stderr, "    IP:auto      Destination derived from the frame's source endpoint (-udp-sendto, connect role only)")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "EXAMPLES:")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  Single client, fixed ports:")
	fmt.Fprintf(os.Stderr, "    %s -tcp-listen 7878 -udp-bind 9999 -udp-sendto 192.168.1.100:8888\n", bin)
	fmt.Fprintf(os.Stderr, "    %s -tcp-connect server:7878 -udp-bind 8888 -udp-sendto 127.0.0.1:9999\n", bin)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  Many clients, per-flow routing:")
	fmt.Fprintf(os.Stderr, "    %s -tcp-listen 7878 -udp-bind auto -udp-sendto 192.168.1.100:9999\n", bin)
	fmt.Fprintf(os.Stderr, "    %s -tcp-connect server:7878 -udp-bind 8888 -udp-sendto 127.0.0.1:auto\n", bin)
}
