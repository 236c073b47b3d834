package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultConnectTimeout = 20 * time.Second

// SSHDialer opens password-authenticated SSH sessions. Host keys are checked
// against KnownHostsFile when it is set and accepted unchecked otherwise.
type SSHDialer struct {
	KnownHostsFile string
	Logger         zerolog.Logger
}

func NewSSHDialer(knownHostsFile string, logger zerolog.Logger) *SSHDialer {
	return &SSHDialer{KnownHostsFile: strings.TrimSpace(knownHostsFile), Logger: logger}
}

func (d *SSHDialer) Dial(ctx context.Context, target Target) (Session, error) {
	if strings.TrimSpace(target.Host) == "" || strings.TrimSpace(target.User) == "" {
		return nil, fmt.Errorf("host and user required")
	}
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := target.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	// The handshake itself must also respect the connect timeout.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.Logger.Debug().Str("target", target.String()).Msg("ssh session established")
	return &sshSession{client: ssh.NewClient(c, chans, reqs), logger: d.Logger}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

type sshSession struct {
	client *ssh.Client
	logger zerolog.Logger

	mu   sync.Mutex
	sftp *sftp.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string) (CommandResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return CommandResult{}, ctx.Err()
	case err = <-done:
	}

	res := CommandResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	return res, fmt.Errorf("run command: %w", err)
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	s.sftp = client
	return client, nil
}

func (s *sshSession) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := s.sftpClient()
	if err != nil {
		return err
	}
	f, err := client.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	// Staged files may hold private keys; the install step sets the final mode.
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func (s *sshSession) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	return client.Stat(path)
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
		s.sftp = nil
	}
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
