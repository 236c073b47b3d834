package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tiara/engine/internal/callback"
	"github.com/tiara/engine/internal/envelope"
	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/metrics"
	"github.com/tiara/engine/internal/runstore"
	"github.com/tiara/engine/internal/task"
)

const testSecret = "s3cret"

type countingReporter struct {
	mu      sync.Mutex
	reports []callback.Report
}

func (c *countingReporter) Report(_ context.Context, r callback.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

type busyExecutor struct{}

func (busyExecutor) Submit(func()) error { return engerrors.ErrBusy }

type harness struct {
	cipher   *envelope.Cipher
	handler  http.Handler
	reporter *countingReporter
	prepared int
}

func newHarness(t *testing.T, exec task.Executor) *harness {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, envelope.KeySize)
	c, err := envelope.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	h := &harness{cipher: c, reporter: &countingReporter{}}

	reg := task.NewRegistry()
	reg.MustRegister("ssl_deploy", task.HandlerFunc(func(req task.Request) (task.Job, error) {
		h.prepared++
		return func(context.Context) task.Result {
			return task.Result{Status: task.StatusSuccess, Output: "Restart SUCCESS. Output: "}
		}, nil
	}))
	store := runstore.NewMemory(0)
	gate := task.NewGate(task.GateConfig{
		Registry: reg,
		Executor: exec,
		Reporter: h.reporter,
		Store:    store,
		Logger:   zerolog.Nop(),
	})
	h.handler = New(Config{
		Opener:     c,
		Dispatcher: gate,
		Store:      store,
		Metrics:    metrics.New(),
		Secret:     testSecret,
		Logger:     zerolog.Nop(),
	}).Routes()
	return h
}

func (h *harness) seal(t *testing.T, v any) string {
	t.Helper()
	env, err := h.cipher.SealJSON(v)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return env
}

func (h *harness) post(t *testing.T, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.handler.ServeHTTP(rec, req)
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func payloadBody(env string) string {
	b, _ := json.Marshal(map[string]string{"payload": env})
	return string(b)
}

func TestExecuteAccepted(t *testing.T) {
	h := newHarness(t, task.Inline{})
	env := h.seal(t, map[string]any{"task": "ssl_deploy", "log_id": 11, "data": map[string]any{}})

	rec, out := h.post(t, payloadBody(env))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if out["status"] != "accepted" || out["task"] != "ssl_deploy" || out["run_id"] == "" {
		t.Fatalf("unexpected ack %v", out)
	}
	if len(h.reporter.reports) != 1 || h.reporter.reports[0].LogID != 11 {
		t.Fatalf("expected one report for log 11, got %+v", h.reporter.reports)
	}

	// The run is visible to callers holding the shared secret.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+out["run_id"], nil)
	req.Header.Set(callback.SecretHeader, testSecret)
	got := httptest.NewRecorder()
	h.handler.ServeHTTP(got, req)
	if got.Code != http.StatusOK || !strings.Contains(got.Body.String(), `"status":"SUCCESS"`) {
		t.Fatalf("run lookup: %d %s", got.Code, got.Body)
	}
}

func TestExecuteCorruptedTag(t *testing.T) {
	h := newHarness(t, task.Inline{})
	env := h.seal(t, map[string]any{"task": "ssl_deploy", "log_id": 1, "data": map[string]any{}})
	raw, _ := base64.StdEncoding.DecodeString(env)
	raw[envelope.IVSize] ^= 0x01
	corrupted := base64.StdEncoding.EncodeToString(raw)

	rec, out := h.post(t, payloadBody(corrupted))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["detail"] != "Invalid encrypted payload" {
		t.Fatalf("detail = %q", out["detail"])
	}
	if h.prepared != 0 || len(h.reporter.reports) != 0 {
		t.Fatal("no handler may run for a corrupted envelope")
	}
}

func TestExecuteUnknownTask(t *testing.T) {
	h := newHarness(t, task.Inline{})
	env := h.seal(t, map[string]any{"task": "unknown_x", "log_id": 1, "data": map[string]any{}})

	rec, out := h.post(t, payloadBody(env))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(out["detail"], "unknown_x") {
		t.Fatalf("detail = %q", out["detail"])
	}
	if h.prepared != 0 || len(h.reporter.reports) != 0 {
		t.Fatal("no handler may run for an unknown task")
	}
}

func TestExecuteBadBodies(t *testing.T) {
	h := newHarness(t, task.Inline{})
	for _, body := range []string{``, `not json`, `{}`, `{"payload":""}`} {
		rec, _ := h.post(t, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}
	rec, out := h.post(t, payloadBody("!!!not-base64!!!"))
	if rec.Code != http.StatusBadRequest || out["detail"] != "Invalid encrypted payload" {
		t.Errorf("bad base64: %d %v", rec.Code, out)
	}
}

func TestExecuteBusy(t *testing.T) {
	h := newHarness(t, busyExecutor{})
	env := h.seal(t, map[string]any{"task": "ssl_deploy", "log_id": 1, "data": map[string]any{}})
	rec, out := h.post(t, payloadBody(env))
	if rec.Code != http.StatusServiceUnavailable || out["detail"] != "Engine is busy" {
		t.Fatalf("unexpected response %d %v", rec.Code, out)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, task.Inline{})
	for _, path := range []string{"/", "/healthz"} {
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mode":"Modular Monolith"`) {
			t.Errorf("%s: %d %s", path, rec.Code, rec.Body)
		}
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `tiara_engine_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Errorf("metrics missing health request:\n%s", rec.Body)
	}
}

func TestRunLookupRequiresSecret(t *testing.T) {
	h := newHarness(t, task.Inline{})
	for _, secret := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil)
		if secret != "" {
			req.Header.Set(callback.SecretHeader, secret)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("secret %q: status = %d", secret, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil)
	req.Header.Set(callback.SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d", rec.Code)
	}
}
