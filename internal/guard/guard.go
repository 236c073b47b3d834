// Package guard runs pre-flight policy checks on certificate deployments
// before any remote session is opened.
package guard

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
)

// Violation describes a policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guard violation (%s): %s", v.Rule, v.Detail)
}

// Deployment is the part of a deployment request the guard inspects.
type Deployment struct {
	CertPath       string
	KeyPath        string
	ChainPath      string
	RestartCommand string
	Cert           string
	Key            string
	Chain          string
}

// Checker executes policy checks on deployments.
type Checker interface {
	Check(ctx context.Context, d Deployment) error
	Enforced() bool
}

var defaultBlockedCommands = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	":(){",
}

// RuleChecker performs path, PEM, key pairing, command and size checks.
type RuleChecker struct {
	blockedCommands   []string
	maxContentBytes   int
	enforceViolations bool
}

// NewFromEnv builds a checker from environment variables.
// It can be disabled entirely via GUARD_DISABLED=true, in which case it returns nil.
func NewFromEnv() Checker {
	c := newFromEnv(os.Getenv)
	if c == nil {
		return nil
	}
	return c
}

func newFromEnv(getenv func(string) string) *RuleChecker {
	if strings.EqualFold(getenv("GUARD_DISABLED"), "true") {
		return nil
	}
	c := &RuleChecker{
		blockedCommands:   append([]string(nil), defaultBlockedCommands...),
		maxContentBytes:   1 << 20,
		enforceViolations: !strings.EqualFold(getenv("GUARD_MODE"), "monitor"),
	}
	if raw := getenv("GUARD_BLOCKED_COMMANDS"); raw != "" {
		c.blockedCommands = nil
		for _, pat := range strings.Split(raw, ",") {
			if pat = strings.ToLower(strings.TrimSpace(pat)); pat != "" {
				c.blockedCommands = append(c.blockedCommands, pat)
			}
		}
	}
	if raw := getenv("GUARD_MAX_CONTENT_BYTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			c.maxContentBytes = v
		}
	}
	return c
}

func (c *RuleChecker) Enforced() bool {
	return c.enforceViolations
}

func (c *RuleChecker) Check(_ context.Context, d Deployment) error {
	artifacts := []struct {
		name, path, content string
	}{
		{"cert", d.CertPath, d.Cert},
		{"key", d.KeyPath, d.Key},
		{"chain", d.ChainPath, d.Chain},
	}
	for _, a := range artifacts {
		if a.content == "" {
			continue
		}
		if !path.IsAbs(a.path) || path.Clean(a.path) != a.path {
			return &Violation{Rule: "relative_path", Detail: fmt.Sprintf("%s_path must be an absolute, clean path", a.name)}
		}
		if c.maxContentBytes > 0 && len(a.content) > c.maxContentBytes {
			return &Violation{
				Rule:   "max_size",
				Detail: fmt.Sprintf("%s content is %d bytes, limit %d", a.name, len(a.content), c.maxContentBytes),
			}
		}
	}

	var (
		leaf *x509.Certificate
		key  crypto.Signer
		err  error
	)
	if d.Cert != "" {
		if leaf, err = parseCertificates("cert", d.Cert); err != nil {
			return err
		}
	}
	if d.Chain != "" {
		if _, err = parseCertificates("chain", d.Chain); err != nil {
			return err
		}
	}
	if d.Key != "" {
		if key, err = parsePrivateKey(d.Key); err != nil {
			return err
		}
	}
	if leaf != nil && key != nil {
		pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !pub.Equal(leaf.PublicKey) {
			return &Violation{Rule: "key_mismatch", Detail: "private key does not match the certificate"}
		}
	}

	cmd := strings.ToLower(d.RestartCommand)
	for _, pat := range c.blockedCommands {
		if matchesCommand(cmd, pat) {
			return &Violation{Rule: "blocked_command", Detail: fmt.Sprintf("restart command matches blocked pattern %q", pat)}
		}
	}
	return nil
}

// matchesCommand reports whether pat occurs in cmd as a whole shell word.
// Edges of pat that are word characters must not touch other word
// characters, so "halt" matches "/sbin/halt" but not "asphalt-api".
func matchesCommand(cmd, pat string) bool {
	if pat == "" {
		return false
	}
	for from := 0; from <= len(cmd)-len(pat); {
		i := strings.Index(cmd[from:], pat)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(pat)
		leftOK := start == 0 || !isWordByte(pat[0]) || !isWordByte(cmd[start-1])
		rightOK := end == len(cmd) || !isWordByte(pat[len(pat)-1]) || !isWordByte(cmd[end])
		if leftOK && rightOK {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return b == '_' || b == '-' || b == '.'
}

// parseCertificates returns the first certificate of a PEM bundle.
func parseCertificates(name, content string) (*x509.Certificate, error) {
	var (
		first *x509.Certificate
		rest  = []byte(content)
	)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &Violation{Rule: "pem_block", Detail: fmt.Sprintf("%s contains an unparsable certificate", name)}
		}
		if first == nil {
			first = cert
		}
	}
	if first == nil {
		return nil, &Violation{Rule: "pem_block", Detail: fmt.Sprintf("%s has no PEM CERTIFICATE block", name)}
	}
	return first, nil
}

func parsePrivateKey(content string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(content))
	if block == nil || !strings.HasSuffix(block.Type, "PRIVATE KEY") {
		return nil, &Violation{Rule: "pem_block", Detail: "key has no PEM PRIVATE KEY block"}
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := k.(crypto.Signer); ok {
			return signer, nil
		}
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	return nil, &Violation{Rule: "pem_block", Detail: "key could not be parsed"}
}

// IsViolation reports whether err carries a Violation.
func IsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
