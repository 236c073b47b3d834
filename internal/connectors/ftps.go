package connectors

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/secsy/goftp"
)

type ftpsConnector struct {
	config  goftp.Config
	addr    string
	baseDir string
}

// NewFTPSConnector reads ftps://host/path URLs with the FTPS_* credentials.
// The URL host must match FTPS_HOST.
func NewFTPSConnector() (Connector, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps connector")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsConnector{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: strings.EqualFold(os.Getenv("FTPS_INSECURE"), "true")},
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    net.JoinHostPort(host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsConnector) Name() string {
	return "ftps"
}

func (f *ftpsConnector) Schemes() []string {
	return []string{"ftps"}
}

func (f *ftpsConnector) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	if err := checkHost(u, f.addr); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return nil, fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()

	var buf bytes.Buffer
	target := remotePath(f.baseDir, u.Path)
	if err := client.Retrieve(target, &buf); err != nil {
		return nil, fmt.Errorf("ftps retrieve %s: %w", target, err)
	}
	if buf.Len() > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}
	return buf.Bytes(), nil
}

// remotePath joins a configured base directory with a URL path.
func remotePath(baseDir, urlPath string) string {
	if strings.TrimSpace(baseDir) == "" {
		return path.Clean("/" + urlPath)
	}
	return path.Join(baseDir, urlPath)
}

// checkHost rejects URLs naming a server other than the configured one.
func checkHost(u *url.URL, addr string) error {
	if u.Host == "" {
		return nil
	}
	configured, _, err := net.SplitHostPort(addr)
	if err != nil {
		configured = addr
	}
	if !strings.EqualFold(u.Hostname(), configured) {
		return fmt.Errorf("url host %q does not match configured host %q", u.Hostname(), configured)
	}
	return nil
}
