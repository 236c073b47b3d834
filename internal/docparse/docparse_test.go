package docparse

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/task"
)

const sampleText = `Deployment Request
Prepared by ops
Git Detail
Tenant : acme
Version : 1.4.2
Modul : billing-api
Penambahan Env : PAYMENT_TIMEOUT
Git Detail
Tenant: globex
Modul: reporting
Git Detail
Notes only, nothing to deploy
Global Json
config-main.json, feature.flags.json
config-main.json
`

func TestScrape(t *testing.T) {
	res := Scrape(sampleText)
	if len(res.Services) != 2 {
		t.Fatalf("expected 2 services, got %d: %+v", len(res.Services), res.Services)
	}
	first := res.Services[0]
	if *first.Tenant != "acme" || *first.Version != "1.4.2" || *first.Modul != "billing-api" || first.Env != "PAYMENT_TIMEOUT" {
		t.Errorf("unexpected first service %+v", first)
	}
	second := res.Services[1]
	if *second.Tenant != "globex" || second.Version != nil || second.Env != "None" {
		t.Errorf("unexpected second service %+v", second)
	}
	if got := strings.Join(res.GlobalJSONUpdates, ","); got != "config-main.json,feature.flags.json" {
		t.Errorf("global json = %s", got)
	}
	if !strings.HasSuffix(res.RawTextSnippet, "...") {
		t.Errorf("snippet should end with ellipsis")
	}
}

func TestScrapeWithoutGlobalSection(t *testing.T) {
	res := Scrape("Git Detail\nModul: core\nuses app.json")
	if len(res.GlobalJSONUpdates) != 0 {
		t.Fatalf("json names collected without Global Json marker: %v", res.GlobalJSONUpdates)
	}
	if len(res.Services) != 1 || res.Services[0].Tenant != nil {
		t.Fatalf("unexpected services %+v", res.Services)
	}
}

func TestSnippetLength(t *testing.T) {
	long := strings.Repeat("é", 800)
	got := snippet(long)
	if len([]rune(got)) != snippetLength+3 {
		t.Fatalf("snippet has %d runes", len([]rune(got)))
	}
}

type fakeFetcher struct {
	body []byte
	err  error
}

func (f fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	return f.body, f.err
}

func TestPrepareValidation(t *testing.T) {
	h := NewHandler(fakeFetcher{}, zerolog.Nop())
	for _, data := range []string{``, `{}`, `{"file_url":"  "}`, `[1,2]`} {
		_, err := h.Prepare(task.Request{Task: TaskName, Data: json.RawMessage(data)})
		if !errors.Is(err, engerrors.ErrValidation) {
			t.Errorf("data %q: expected validation error, got %v", data, err)
		}
	}
	if _, err := h.Prepare(task.Request{Task: TaskName, Data: json.RawMessage(`{"file_path":"/tmp/a.pdf"}`)}); err != nil {
		t.Errorf("file_path should be accepted: %v", err)
	}
}

func TestParseFailures(t *testing.T) {
	h := NewHandler(fakeFetcher{err: errors.New("download failed. Status: 404")}, zerolog.Nop())
	res := h.Parse(context.Background(), 1, Spec{FileURL: "https://example.com/doc.pdf"})
	if res.Status != task.StatusFailed || !strings.Contains(res.Output, "Status: 404") {
		t.Fatalf("unexpected result %+v", res)
	}

	h = NewHandler(fakeFetcher{body: []byte("not a pdf")}, zerolog.Nop())
	res = h.Parse(context.Background(), 1, Spec{FileURL: "https://example.com/doc.pdf"})
	if res.Status != task.StatusFailed || !strings.Contains(res.Output, "Failed to parse PDF") {
		t.Fatalf("unexpected result %+v", res)
	}

	res = h.Parse(context.Background(), 1, Spec{FilePath: filepath.Join(t.TempDir(), "missing.pdf")})
	if res.Status != task.StatusFailed || !strings.Contains(res.Output, "No valid file_url or file_path") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseReadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	res := NewHandler(nil, zerolog.Nop()).Parse(context.Background(), 3, Spec{FilePath: path})
	if res.Status != task.StatusFailed || !strings.Contains(res.Output, "Failed to parse PDF") {
		t.Fatalf("local file should be read and rejected as non-PDF, got %+v", res)
	}
}
