package guard

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"
)

func issue(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func envOf(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestCheckRules(t *testing.T) {
	cert, key := issue(t)
	otherCert, _ := issue(t)

	valid := Deployment{
		CertPath:       "/etc/ssl/example.crt",
		KeyPath:        "/etc/ssl/example.key",
		ChainPath:      "/etc/ssl/example.chain",
		RestartCommand: "sudo systemctl reload nginx",
		Cert:           cert,
		Key:            key,
		Chain:          otherCert,
	}

	tests := []struct {
		name   string
		mutate func(d *Deployment)
		rule   string
	}{
		{name: "valid", mutate: func(*Deployment) {}},
		{name: "cert only", mutate: func(d *Deployment) { d.Key, d.Chain = "", "" }},
		{name: "relative path", mutate: func(d *Deployment) { d.CertPath = "ssl/example.crt" }, rule: "relative_path"},
		{name: "dotdot path", mutate: func(d *Deployment) { d.KeyPath = "/etc/ssl/../shadow" }, rule: "relative_path"},
		{name: "cert not pem", mutate: func(d *Deployment) { d.Cert = "CERT" }, rule: "pem_block"},
		{name: "key not pem", mutate: func(d *Deployment) { d.Key = "KEY" }, rule: "pem_block"},
		{name: "mismatched pair", mutate: func(d *Deployment) { d.Cert = otherCert }, rule: "key_mismatch"},
		{name: "blocked command", mutate: func(d *Deployment) { d.RestartCommand = "reboot now" }, rule: "blocked_command"},
		{name: "blocked command by path", mutate: func(d *Deployment) { d.RestartCommand = "nginx -t && /sbin/halt" }, rule: "blocked_command"},
		{name: "pattern inside service name", mutate: func(d *Deployment) { d.RestartCommand = "sudo systemctl restart asphalt-api" }},
		{name: "pattern inside hook name", mutate: func(d *Deployment) {
			d.RestartCommand = "sudo systemctl reload nginx && /opt/bin/graceful-shutdown-hook --noop"
		}},
	}

	c := newFromEnv(envOf(nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			err := c.Check(context.Background(), d)
			if tt.rule == "" {
				if err != nil {
					t.Fatalf("unexpected violation: %v", err)
				}
				return
			}
			v, ok := IsViolation(err)
			if !ok {
				t.Fatalf("expected violation %q, got %v", tt.rule, err)
			}
			if v.Rule != tt.rule {
				t.Fatalf("rule = %q, want %q", v.Rule, tt.rule)
			}
		})
	}
}

func TestMatchesCommand(t *testing.T) {
	tests := []struct {
		cmd, pat string
		want     bool
	}{
		{"shutdown -r now", "shutdown", true},
		{"sudo systemctl restart nginx;reboot", "reboot", true},
		{"x|halt", "halt", true},
		{"restart asphalt-api", "halt", false},
		{"graceful-shutdown-hook", "shutdown", false},
		{"shutdown.sh", "shutdown", false},
		{"rebooter", "reboot", false},
		{"sudo dd if=/dev/zero of=/dev/sda", "dd if=", true},
		{"add if=x", "dd if=", false},
		{"halt-ok; halt", "halt", true},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := matchesCommand(tt.cmd, tt.pat); got != tt.want {
			t.Errorf("matchesCommand(%q, %q) = %v, want %v", tt.cmd, tt.pat, got, tt.want)
		}
	}
}

func TestMaxContentBytes(t *testing.T) {
	c := newFromEnv(envOf(map[string]string{"GUARD_MAX_CONTENT_BYTES": "10"}))
	err := c.Check(context.Background(), Deployment{CertPath: "/a.crt", Cert: strings.Repeat("x", 11)})
	if v, ok := IsViolation(err); !ok || v.Rule != "max_size" {
		t.Fatalf("expected max_size violation, got %v", err)
	}
}

func TestEnvConfiguration(t *testing.T) {
	if c := newFromEnv(envOf(map[string]string{"GUARD_DISABLED": "TRUE"})); c != nil {
		t.Fatal("expected disabled guard")
	}
	if c := newFromEnv(envOf(map[string]string{"GUARD_MODE": "monitor"})); c.Enforced() {
		t.Fatal("monitor mode should not enforce")
	}
	c := newFromEnv(envOf(map[string]string{"GUARD_BLOCKED_COMMANDS": " Pkill , "}))
	if len(c.blockedCommands) != 1 || c.blockedCommands[0] != "pkill" {
		t.Fatalf("unexpected patterns %v", c.blockedCommands)
	}
	if err := c.Check(context.Background(), Deployment{RestartCommand: "reboot"}); err != nil {
		t.Fatalf("custom list should replace defaults: %v", err)
	}
}
