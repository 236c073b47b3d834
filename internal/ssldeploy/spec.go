package ssldeploy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/guard"
	"github.com/tiara/engine/internal/remote"
)

// Port accepts a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*p = 0
			return nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("port %q is not a number", raw)
	}
	*p = Port(n)
	return nil
}

// Spec is the data of an ssl_deploy request.
type Spec struct {
	DomainName     string `json:"domain_name"`
	ServerIP       string `json:"server_ip"`
	ServerPort     Port   `json:"server_port"`
	SSHUser        string `json:"ssh_user"`
	SSHPassword    string `json:"ssh_pass_raw"`
	CertPath       string `json:"cert_path"`
	KeyPath        string `json:"key_path"`
	ChainPath      string `json:"chain_path"`
	RestartCommand string `json:"restart_command"`
	NewCert        string `json:"new_cert_content"`
	NewKey         string `json:"new_key_content"`
	NewChain       string `json:"new_chain_content"`
}

// String omits the password and file contents.
func (s Spec) String() string {
	return fmt.Sprintf("ssl_deploy{domain=%s target=%s@%s:%d password=[REDACTED]}",
		s.DomainName, s.SSHUser, s.ServerIP, s.port())
}

func (s Spec) port() int {
	if s.ServerPort == 0 {
		return 22
	}
	return int(s.ServerPort)
}

func (s Spec) target() remote.Target {
	return remote.Target{
		Host:     s.ServerIP,
		Port:     s.port(),
		User:     s.SSHUser,
		Password: s.SSHPassword,
	}
}

func (s Spec) deployment() guard.Deployment {
	return guard.Deployment{
		CertPath:       s.CertPath,
		KeyPath:        s.KeyPath,
		ChainPath:      s.ChainPath,
		RestartCommand: s.RestartCommand,
		Cert:           s.NewCert,
		Key:            s.NewKey,
		Chain:          s.NewChain,
	}
}

// parseSpec decodes and validates raw request data. Error messages name the
// offending field, never its value.
func parseSpec(data json.RawMessage) (Spec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Spec{}, engerrors.Validation(TaskName, "missing field: data")
	}
	var s Spec
	if err := json.Unmarshal(trimmed, &s); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Spec{}, engerrors.Validation(TaskName, "invalid field: "+typeErr.Field)
		}
		if strings.Contains(err.Error(), "port") {
			return Spec{}, engerrors.Validation(TaskName, "invalid field: server_port")
		}
		return Spec{}, engerrors.Validation(TaskName, "data must be a JSON object")
	}
	s.ServerIP = strings.TrimSpace(s.ServerIP)
	s.SSHUser = strings.TrimSpace(s.SSHUser)
	s.CertPath = strings.TrimSpace(s.CertPath)
	s.KeyPath = strings.TrimSpace(s.KeyPath)
	s.ChainPath = strings.TrimSpace(s.ChainPath)
	s.RestartCommand = strings.TrimSpace(s.RestartCommand)

	required := []struct{ field, value string }{
		{"server_ip", s.ServerIP},
		{"ssh_user", s.SSHUser},
		{"ssh_pass_raw", s.SSHPassword},
		{"restart_command", s.RestartCommand},
	}
	for _, r := range required {
		if r.value == "" {
			return Spec{}, engerrors.Validation(TaskName, "missing field: "+r.field)
		}
	}
	if s.ServerPort < 0 || s.ServerPort > 65535 {
		return Spec{}, engerrors.Validation(TaskName, "invalid field: server_port")
	}
	if s.NewCert == "" && s.NewKey == "" {
		return Spec{}, engerrors.Validation(TaskName, "missing field: new_cert_content or new_key_content")
	}
	if s.NewCert != "" && s.CertPath == "" {
		return Spec{}, engerrors.Validation(TaskName, "missing field: cert_path")
	}
	if s.NewKey != "" && s.KeyPath == "" {
		return Spec{}, engerrors.Validation(TaskName, "missing field: key_path")
	}
	if s.NewChain != "" && s.ChainPath == "" {
		return Spec{}, engerrors.Validation(TaskName, "missing field: chain_path")
	}
	return s, nil
}
