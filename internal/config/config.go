// Package config turns the tunnel's CLI surface into a validated, typed
// Config. There is no persisted state: every run is configured fresh
// from argv.
package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Role selects which symmetric half of the tunnel this process plays.
type Role int

const (
	RoleListen Role = iota
	RoleConnect
)

func (r Role) String() string {
	if r == RoleListen {
		return "listen"
	}
	return "connect"
}

// PortSpecKind distinguishes a fixed address from the dynamic "auto" mode.
type PortSpecKind int

const (
	Fixed PortSpecKind = iota
	Auto
)

// PortSpec is a parsed udp-bind or udp-sendto argument: either a concrete
// IP:port, or "auto"/"IP:auto" opt-in to dynamic per-flow behavior.
type PortSpec struct {
	Kind PortSpecKind
	Addr *net.UDPAddr // valid when Kind == Fixed
	IP   net.IP       // valid when Kind == Auto; reserved for logging only
}

func (p PortSpec) IsAuto() bool { return p.Kind == Auto }

func (p PortSpec) String() string {
	if p.Kind == Auto {
		return fmt.Sprintf("auto(%s)", p.IP)
	}
	return p.Addr.String()
}

// Config is the fully validated result of parsing argv.
type Config struct {
	Role      Role
	TCPAddr   *net.TCPAddr
	UDPBind   PortSpec
	UDPSendto PortSpec
	Verbose   bool
	Debug     bool

	// MetricsAddr, if non-empty, is the address an HTTP server exposing
	// Prometheus metrics listens on.
	MetricsAddr string
}

// Parse parses args (excluding the program name) into a validated Config,
// or returns an error describing the first configuration problem found.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("udptcptun", flag.ContinueOnError)

	tcpListen := fs.String("tcp-listen", "", "accept TCP on ADDR (listen role)")
	tcpConnect := fs.String("tcp-connect", "", "dial TCP to ADDR (connect role)")
	udpBind := fs.String("udp-bind", "", "PORT, IP:PORT, or auto (listen role only)")
	udpSendto := fs.String("udp-sendto", "", "PORT, IP:PORT, or IP:auto (connect role only)")
	verbose := fs.Bool("verbose", false, "log flow-establishment events")
	debug := fs.Bool("debug", false, "log per-datagram sequence numbers and endpoints")
	metricsAddr := fs.String("metrics", "", "optional ADDR to expose Prometheus metrics on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var (
		role    Role
		tcpSpec string
	)
	switch {
	case *tcpListen != "" && *tcpConnect != "":
		return nil, fmt.Errorf("config: specify exactly one of -tcp-listen or -tcp-connect")
	case *tcpListen != "":
		role = RoleListen
		tcpSpec = *tcpListen
	case *tcpConnect != "":
		role = RoleConnect
		tcpSpec = *tcpConnect
	default:
		return nil, fmt.Errorf("config: one of -tcp-listen or -tcp-connect is required")
	}

	defaultTCPIP := net.IPv4zero
	if role == RoleConnect {
		defaultTCPIP = net.IPv4(127, 0, 0, 1)
	}
	tcpAddr, err := portOrAddr(tcpSpec, defaultTCPIP)
	if err != nil {
		return nil, fmt.Errorf("config: -tcp-%s: %w", role, err)
	}

	if *udpBind == "" {
		return nil, fmt.Errorf("config: -udp-bind is required")
	}
	bindSpec, err := parsePortSpec(*udpBind, net.IPv4zero)
	if err != nil {
		return nil, fmt.Errorf("config: -udp-bind: %w", err)
	}

	if *udpSendto == "" {
		return nil, fmt.Errorf("config: -udp-sendto is required")
	}
	sendtoSpec, err := parsePortSpec(*udpSendto, net.IPv4(127, 0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("config: -udp-sendto: %w", err)
	}

	if bindSpec.IsAuto() && role != RoleListen {
		return nil, fmt.Errorf("config: -udp-bind auto can only be used with -tcp-listen")
	}
	if sendtoSpec.IsAuto() && role != RoleConnect {
		return nil, fmt.Errorf("config: -udp-sendto IP:auto can only be used with -tcp-connect")
	}

	return &Config{
		Role:        role,
		TCPAddr:     &net.TCPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port},
		UDPBind:     bindSpec,
		UDPSendto:   sendtoSpec,
		Verbose:     *verbose,
		Debug:       *debug,
		MetricsAddr: *metricsAddr,
	}, nil
}

// portOrAddr parses arg as either a full "IP:port" socket address or a
// bare port number, in which case defaultIP fills in the address.
func portOrAddr(arg string, defaultIP net.IP) (*net.UDPAddr, error) {
	if host, portStr, err := net.SplitHostPort(arg); err == nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", host)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	port, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("%q is neither an address nor a port number", arg)
	}
	return &net.UDPAddr{IP: defaultIP, Port: port}, nil
}

// parsePortSpec parses a udp-bind/udp-sendto argument: "auto", "IP:auto",
// or a fixed PORT/IP:PORT address.
func parsePortSpec(arg string, defaultIP net.IP) (PortSpec, error) {
	if arg == "auto" {
		return PortSpec{Kind: Auto, IP: defaultIP}, nil
	}

	if host, port, ok := strings.Cut(arg, ":"); ok && port == "auto" {
		ip := net.ParseIP(host)
		if ip == nil {
			return PortSpec{}, fmt.Errorf("invalid IP address %q", host)
		}
		return PortSpec{Kind: Auto, IP: ip}, nil
	}

	addr, err := portOrAddr(arg, defaultIP)
	if err != nil {
		return PortSpec{}, err
	}
	return PortSpec{Kind: Fixed, Addr: addr}, nil
}
