package config

import (
	"testing"
	"time"
)

func TestParseUptime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1h30m", 90 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"2d", 48 * time.Hour, true},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, true},
		{"500ms", 500 * time.Millisecond, true},
		{"90s", 90 * time.Second, true},
		{"45000", 45 * time.Second, true},
		{"abc", 0, false},
		{"", 0, false},
		{"h", 0, false},
		{"1x", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseUptime(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseUptime(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("ParseUptime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoadServerDefaultsAndEnv(t *testing.T) {
	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerPort != 3700 || cfg.ProxyPort != 3701 || !cfg.ProxyInline {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Workspace != "/workspace/merged" || cfg.HostProject != "/workspace/lower" {
		t.Fatalf("unexpected workspace defaults: %+v", cfg)
	}

	t.Setenv("SERVER_PORT", "4000")
	t.Setenv("MAX_UPTIME", "2h")
	cfg, err = LoadServer("")
	if err != nil {
		t.Fatalf("load with env: %v", err)
	}
	if cfg.ServerPort != 4000 {
		t.Fatalf("env override ignored: port = %d", cfg.ServerPort)
	}
	if d, ok := ParseUptime(cfg.MaxUptime); !ok || d != 2*time.Hour {
		t.Fatalf("max uptime = %q parsed %v %v", cfg.MaxUptime, d, ok)
	}
}
