package config

import "testing"

func TestParseListenBasic(t *testing.T) {
	cfg, err := Parse([]string{
		"-tcp-listen", "127.0.0.1:5000",
		"-udp-bind", "0.0.0.0:9000",
		"-udp-sendto", "127.0.0.1:7000",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Role != RoleListen {
		t.Errorf("expected RoleListen, got %v", cfg.Role)
	}
	if cfg.UDPBind.IsAuto() || cfg.UDPSendto.IsAuto() {
		t.Errorf("expected fixed specs for both UDP sides")
	}
}

func TestParseConnectBasic(t *testing.T) {
	cfg, err := Parse([]string{
		"-tcp-connect", "127.0.0.1:5000",
		"-udp-bind", "6000",
		"-udp-sendto", "9000",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Role != RoleConnect {
		t.Errorf("expected RoleConnect, got %v", cfg.Role)
	}
	if !cfg.UDPBind.Addr.IP.IsUnspecified() || cfg.UDPBind.Addr.Port != 6000 {
		t.Errorf("unexpected bind address %v", cfg.UDPBind.Addr)
	}
}

func TestBarePortShorthand(t *testing.T) {
	cfg, err := Parse([]string{
		"-tcp-listen", "5000",
		"-udp-bind", "9000",
		"-udp-sendto", "7000",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.TCPAddr.IP.IsUnspecified() {
		t.Errorf("bare port on tcp-listen should default to 0.0.0.0, got %v", cfg.TCPAddr.IP)
	}
	if cfg.UDPSendto.Addr.IP.String() != "127.0.0.1" {
		t.Errorf("bare port on udp-sendto should default to 127.0.0.1, got %v", cfg.UDPSendto.Addr.IP)
	}
}

func TestRequiresExactlyOneRole(t *testing.T) {
	_, err := Parse([]string{"-udp-bind", "9000", "-udp-sendto", "7000"})
	if err == nil {
		t.Fatalf("expected error when no role flag is given")
	}

	_, err = Parse([]string{
		"-tcp-listen", "5000", "-tcp-connect", "127.0.0.1:5000",
		"-udp-bind", "9000", "-udp-sendto", "7000",
	})
	if err == nil {
		t.Fatalf("expected error when both role flags are given")
	}
}

func TestAutoModeRestrictions(t *testing.T) {
	cases := []struct {
		name string
		args []string
		ok   bool
	}{
		{
			name: "bind auto with listen is allowed",
			args: []string{"-tcp-listen", "5000", "-udp-bind", "auto", "-udp-sendto", "7000"},
			ok:   true,
		},
		{
			name: "bind auto with connect is rejected",
			args: []string{"-tcp-connect", "127.0.0.1:5000", "-udp-bind", "auto", "-udp-sendto", "7000"},
			ok:   false,
		},
		{
			name: "sendto auto with connect is allowed",
			args: []string{"-tcp-connect", "127.0.0.1:5000", "-udp-bind", "6000", "-udp-sendto", "127.0.0.1:auto"},
			ok:   true,
		},
		{
			name: "sendto auto with listen is rejected",
			args: []string{"-tcp-listen", "5000", "-udp-bind", "9000", "-udp-sendto", "127.0.0.1:auto"},
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.args)
			if tc.ok && err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected an error, got success")
			}
		})
	}
}

func TestParsePortSpecBareAuto(t *testing.T) {
	spec, err := parsePortSpec("auto", nil)
	if err != nil {
		t.Fatalf("parsePortSpec: %v", err)
	}
	if !spec.IsAuto() {
		t.Fatalf("expected Auto kind")
	}
}

func TestParsePortSpecIPAuto(t *testing.T) {
	spec, err := parsePortSpec("192.168.1.100:auto", nil)
	if err != nil {
		t.Fatalf("parsePortSpec: %v", err)
	}
	if !spec.IsAuto() || spec.IP.String() != "192.168.1.100" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}
