package connectors

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// maxDocumentBytes caps how much a connector reads for one document.
const maxDocumentBytes = 64 << 20

// Connector fetches documents from an external source (web server, object store, file server).
type Connector interface {
	Name() string
	Schemes() []string
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// Set routes fetches to connectors by URL scheme.
type Set struct {
	byScheme map[string]Connector
}

func NewSet(conns ...Connector) *Set {
	s := &Set{byScheme: make(map[string]Connector)}
	for _, c := range conns {
		s.Add(c)
	}
	return s
}

// Add registers c for each of its schemes, replacing any earlier connector.
func (s *Set) Add(c Connector) {
	for _, scheme := range c.Schemes() {
		s.byScheme[strings.ToLower(scheme)] = c
	}
}

// Schemes lists the supported URL schemes.
func (s *Set) Schemes() []string {
	out := make([]string, 0, len(s.byScheme))
	for scheme := range s.byScheme {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid file url: %w", err)
	}
	c, ok := s.byScheme[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no connector for scheme %q", u.Scheme)
	}
	return c.Fetch(ctx, u)
}

// LoadFromEnv returns a Set with the HTTP connector plus the connectors
// declared in the CONNECTORS env variable.
func LoadFromEnv(ctx context.Context, logger zerolog.Logger) *Set {
	set := NewSet(NewHTTPConnector(nil))
	raw := os.Getenv("CONNECTORS")
	if raw == "" {
		return set
	}
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			conn Connector
			err  error
		)
		switch token {
		case "s3":
			conn, err = NewS3Connector(ctx)
		case "azure":
			conn, err = NewAzureBlobConnector(ctx)
		case "sftp":
			conn, err = NewSFTPConnector()
		case "ftps":
			conn, err = NewFTPSConnector()
		default:
			err = fmt.Errorf("unknown connector %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("connector", token).Msg("failed to init connector")
			continue
		}
		logger.Info().Str("connector", conn.Name()).Msg("initialized connector")
		set.Add(conn)
	}
	return set
}
