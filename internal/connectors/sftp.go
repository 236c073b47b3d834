package connectors

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpConnector struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
}

// NewSFTPConnector reads sftp://host/path URLs with the SFTP_* credentials.
func NewSFTPConnector() (Connector, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp connector")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	return &sftpConnector{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),
	}, nil
}

func (s *sftpConnector) Name() string {
	return "sftp"
}

func (s *sftpConnector) Schemes() []string {
	return []string{"sftp"}
}

func (s *sftpConnector) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	if err := checkHost(u, s.addr); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, client, err := s.newClient()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer client.Close()

	target := remotePath(s.baseDir, u.Path)
	f, err := client.Open(target)
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", target, err)
	}
	defer f.Close()
	return readLimited(f)
}

func (s *sftpConnector) newClient() (*ssh.Client, *sftp.Client, error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	if len(auths) == 0 {
		return nil, nil, fmt.Errorf("sftp connector requires password or key")
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open sftp: %w", err)
	}
	return conn, client, nil
}
