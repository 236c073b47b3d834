package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type staticConnector struct {
	name string
	body []byte
	got  *url.URL
}

func (s *staticConnector) Name() string      { return s.name }
func (s *staticConnector) Schemes() []string { return []string{s.name} }
func (s *staticConnector) Fetch(_ context.Context, u *url.URL) ([]byte, error) {
	s.got = u
	return s.body, nil
}

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	set := NewSet(NewHTTPConnector(srv.Client()))
	body, err := set.Fetch(context.Background(), srv.URL+"/doc.pdf")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "%PDF-1.4" {
		t.Fatalf("body = %q", body)
	}

	_, err = set.Fetch(context.Background(), srv.URL+"/missing.pdf")
	if err == nil || !strings.Contains(err.Error(), "Status: 404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestSetRoutesByScheme(t *testing.T) {
	s3 := &staticConnector{name: "s3", body: []byte("from s3")}
	set := NewSet(NewHTTPConnector(nil), s3)

	body, err := set.Fetch(context.Background(), "S3://docs/release/notes.pdf")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "from s3" || s3.got.Host != "docs" || s3.got.Path != "/release/notes.pdf" {
		t.Fatalf("unexpected routing: %q %v", body, s3.got)
	}

	if _, err := set.Fetch(context.Background(), "gopher://x/y"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
	if got := strings.Join(set.Schemes(), ","); got != "http,https,s3" {
		t.Fatalf("schemes = %s", got)
	}
}

func TestLoadFromEnvSkipsBadConnectors(t *testing.T) {
	t.Setenv("CONNECTORS", "bogus, sftp")
	t.Setenv("SFTP_HOST", "")
	set := LoadFromEnv(context.Background(), zerolog.Nop())
	if got := strings.Join(set.Schemes(), ","); got != "http,https" {
		t.Fatalf("schemes = %s", got)
	}
}

func TestS3Locate(t *testing.T) {
	c := &s3Connector{bucket: "fallback", prefix: "incoming"}
	tests := []struct {
		raw, bucket, key string
		wantErr          bool
	}{
		{raw: "s3://docs/a/b.pdf", bucket: "docs", key: "incoming/a/b.pdf"},
		{raw: "s3:///a.pdf", bucket: "fallback", key: "incoming/a.pdf"},
		{raw: "s3://docs/", wantErr: true},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		bucket, key, err := c.locate(u)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.raw)
			}
			continue
		}
		if err != nil || bucket != tt.bucket || key != tt.key {
			t.Errorf("%s: got %s %s %v", tt.raw, bucket, key, err)
		}
	}
}

func TestRemotePathAndHostCheck(t *testing.T) {
	if got := remotePath("", "docs/a.pdf"); got != "/docs/a.pdf" {
		t.Errorf("remotePath = %s", got)
	}
	if got := remotePath("/srv/ftp", "/docs/a.pdf"); got != "/srv/ftp/docs/a.pdf" {
		t.Errorf("remotePath = %s", got)
	}
	u, _ := url.Parse("sftp://files.internal/docs/a.pdf")
	if err := checkHost(u, "files.internal:22"); err != nil {
		t.Errorf("matching host rejected: %v", err)
	}
	if err := checkHost(u, "other.internal:22"); err == nil {
		t.Error("mismatched host accepted")
	}
}
