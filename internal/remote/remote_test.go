package remote

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestTargetAddr(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{"default port", Target{Host: "10.0.0.5"}, "10.0.0.5:22"},
		{"explicit port", Target{Host: "example.com", Port: 2222}, "example.com:2222"},
		{"ipv6", Target{Host: "::1", Port: 22}, "[::1]:22"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Addr(); got != tt.want {
				t.Errorf("Addr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetStringOmitsPassword(t *testing.T) {
	target := Target{Host: "example.com", User: "deploy", Password: "hunter2"}
	s := target.String()
	if s != "deploy@example.com:22" {
		t.Fatalf("String() = %q", s)
	}
	if strings.Contains(s, "hunter2") {
		t.Fatal("password leaked into String()")
	}
}

func TestDialRequiresHostAndUser(t *testing.T) {
	d := NewSSHDialer("", zerolog.Nop())
	for _, target := range []Target{{User: "root"}, {Host: "example.com"}, {Host: " ", User: " "}} {
		if _, err := d.Dial(context.Background(), target); err == nil {
			t.Errorf("Dial(%+v) succeeded, want error", target)
		}
	}
}

func TestDialMissingKnownHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	d := NewSSHDialer(path, zerolog.Nop())
	_, err := d.Dial(context.Background(), Target{Host: "127.0.0.1", User: "root"})
	if err == nil {
		t.Fatal("expected error for a missing known_hosts file")
	}
}
