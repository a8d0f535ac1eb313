package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/bigmem/internal/catalog"
	"github.com/kalambet/bigmem/internal/config"
	"github.com/kalambet/bigmem/internal/syncer"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type cannedResponse struct {
	code int
	body string
}

// testServer answers each "METHOD /path" with the next canned response.
type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string][]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if queue := responses[key]; len(queue) > 0 {
			resp := queue[0]
			if len(queue) > 1 {
				responses[key] = queue[1:]
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.code)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// --- remote apply ---

func TestApplyRemote_Verified(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"PUT /settings/bigmem": {{200, `{"key":"bigmem","requested":"1","actual":"1","verified":true,"attempts":1}`}},
	})

	res, err := applyRemote(ctx, ts.client(), catalog.Bigmem(), "1", syncer.Always(syncer.Decline), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Verified {
		t.Errorf("result = %+v, want verified", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["value"] != "1" {
		t.Errorf("body.value = %q, want 1", body["value"])
	}
}

func TestApplyRemote_RetryAfterConflict(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"PUT /settings/bigmem": {
			{409, `{"key":"bigmem","requested":"1","actual":"0","verified":false,"attempts":1}`},
			{200, `{"key":"bigmem","requested":"1","actual":"1","verified":true,"attempts":1}`},
		},
	})

	prompts := 0
	p := syncer.PrompterFunc(func(_ context.Context, m syncer.Mismatch) (syncer.Decision, error) {
		prompts++
		if m.Actual != "0" || m.Title == "" {
			t.Errorf("mismatch = %+v", m)
		}
		return syncer.Retry, nil
	})

	res, err := applyRemote(ctx, ts.client(), catalog.Bigmem(), "1", p, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Verified || res.Attempts != 2 {
		t.Errorf("result = %+v, want verified on attempt 2", res)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompts)
	}
}

func TestApplyRemote_Declined(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"PUT /settings/bigmem": {{409, `{"key":"bigmem","requested":"1","actual":"0","verified":false,"attempts":1}`}},
	})

	res, err := applyRemote(ctx, ts.client(), catalog.Bigmem(), "1", syncer.Always(syncer.Decline), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verified || !res.Declined || res.Actual != "0" {
		t.Errorf("result = %+v", res)
	}
	if len(ts.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(ts.requests))
	}
	if err := reportApply(res, nil); !errors.Is(err, syncer.ErrMismatch) {
		t.Errorf("reportApply = %v, want ErrMismatch", err)
	}
}

func TestApplyRemote_MaxAttempts(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"PUT /settings/bigmem": {{409, `{"key":"bigmem","requested":"1","actual":"0","verified":false}`}},
	})

	res, err := applyRemote(ctx, ts.client(), catalog.Bigmem(), "1", syncer.Always(syncer.Retry), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 3 || len(ts.requests) != 3 {
		t.Errorf("attempts = %d, requests = %d, want 3", res.Attempts, len(ts.requests))
	}
}

func TestApplyRemote_APIError(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"PUT /settings/ksm": {{422, `{"error":{"message":"attribute not supported","type":"unsupported"}}`}},
	})

	_, err := applyRemote(ctx, ts.client(), catalog.Setting{Key: "ksm", Path: "/x"}, "1", syncer.Always(syncer.Decline), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error = %q", err)
	}
}

func TestClient_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
	if client.healthy(ctx) {
		t.Error("healthy() = true for a stopped server")
	}
}

func TestClient_Healthy(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"GET /health": {{200, `{"status":"ok"}`}},
	})
	if !ts.client().healthy(ctx) {
		t.Error("healthy() = false")
	}
}

func TestHealthClient_NoToken(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"GET /health": {{200, `{"status":"ok"}`}},
	})

	var cfg config.Config
	cfg.Server.Port = 4100
	client := newHealthClient(cfg)
	if client.baseURL != "http://127.0.0.1:4100" {
		t.Errorf("baseURL = %q", client.baseURL)
	}
	client.baseURL = ts.server.URL

	if !client.healthy(ctx) {
		t.Fatal("healthy() = false")
	}
	if auth := ts.requests[0].Auth; auth != "" {
		t.Errorf("Authorization = %q, want none", auth)
	}
}

func TestRestoreRemote_All(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"GET /settings":                 {{200, `[{"key":"bigmem","supported":true},{"key":"ksm","supported":false}]`}},
		"POST /settings/bigmem/restore": {{200, `{"key":"bigmem","value":"1"}`}},
	})

	if err := restoreRemote(ctx, ts.client(), nil); err != nil {
		t.Fatalf("restoreRemote: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("requests = %+v, want list then one restore", ts.requests)
	}
	if r := ts.requests[1]; r.Method != http.MethodPost || r.Path != "/settings/bigmem/restore" {
		t.Errorf("second request = %s %s", r.Method, r.Path)
	}
}

func TestRestoreRemote_Error(t *testing.T) {
	ts := newTestServer(t, map[string][]cannedResponse{
		"POST /settings/bigmem/restore": {{500, `{"error":{"message":"read /sys/kernel/uacma/enable: permission denied","type":"io_error"}}`}},
		"POST /settings/thp/restore":    {{200, `{"key":"thp","value":"madvise"}`}},
	})

	err := restoreRemote(ctx, ts.client(), []string{"bigmem", "thp"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "restoring bigmem") || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error = %q", err)
	}
	if len(ts.requests) != 2 {
		t.Errorf("requests = %d, want both keys attempted", len(ts.requests))
	}
}

func TestDecodeJSON_Error(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/missing")
	if err != nil {
		t.Fatal(err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "404: not found") {
		t.Errorf("error = %v", err)
	}
}

// --- terminal prompt ---

func TestTerminalPrompter(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	m := syncer.Mismatch{Key: "bigmem", Title: "Unable to change bigmem", Message: "Try again?", Requested: "1", Actual: "0", Attempt: 1}

	tests := []struct {
		input string
		want  syncer.Decision
	}{
		{"y\n", syncer.Retry},
		{"YES\n", syncer.Retry},
		{"n\n", syncer.Decline},
		{"\n", syncer.Decline},
		{"", syncer.Decline},
		{"y", syncer.Retry},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := newTerminalPrompter(strings.NewReader(tt.input), &out)
		got, err := p.Confirm(ctx, m)
		if err != nil {
			t.Errorf("input %q: unexpected error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("input %q: decision = %s, want %s", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Unable to change bigmem") || !strings.Contains(out.String(), "kernel has 0") {
			t.Errorf("prompt output = %q", out.String())
		}
	}
}

func TestTerminalPrompter_Cancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := newTerminalPrompter(r, io.Discard).Confirm(cctx, syncer.Mismatch{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestChoosePrompter(t *testing.T) {
	if d, _ := choosePrompter(true, false, nil, nil).Confirm(ctx, syncer.Mismatch{}); d != syncer.Retry {
		t.Errorf("--yes decision = %s, want retry", d)
	}
	if d, _ := choosePrompter(false, true, nil, nil).Confirm(ctx, syncer.Mismatch{}); d != syncer.Decline {
		t.Errorf("--no-retry decision = %s, want decline", d)
	}
	if _, ok := choosePrompter(false, false, strings.NewReader(""), io.Discard).(*terminalPrompter); !ok {
		t.Error("default prompter is not the terminal prompter")
	}
}

// --- local environment ---

func testConfig(t *testing.T, backend string) (config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	attrPath := filepath.Join(dir, "uacma", "enable")
	if err := os.MkdirAll(filepath.Dir(attrPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(attrPath, []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	catalogPath := filepath.Join(dir, "catalog.yaml")
	doc := "settings:\n  - key: bigmem\n    path: " + attrPath + "\n    values: [\"0\", \"1\"]\n  - key: ksm\n    path: " + filepath.Join(dir, "ksm") + "\n"
	if err := os.WriteFile(catalogPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg config.Config
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Backend = backend
	cfg.Catalog.File = catalogPath
	cfg.Log.Level = "error"
	return cfg, attrPath
}

func TestOpenEnv_SQLite(t *testing.T) {
	cfg, attrPath := testConfig(t, config.BackendSQLite)

	e, err := openEnv(cfg)
	if err != nil {
		t.Fatalf("openEnv: %v", err)
	}
	defer e.Close()

	if e.history == nil {
		t.Fatal("sqlite backend should expose history")
	}

	s, err := e.settings.Get("bigmem")
	if err != nil {
		t.Fatalf("Get(bigmem): %v", err)
	}
	if _, err := e.settings.Get("ksm"); !errors.Is(err, syncer.ErrUnsupported) {
		t.Errorf("Get(ksm) error = %v, want ErrUnsupported", err)
	}

	res, err := s.ApplyInteractive(syncer.WithSource(ctx, "cli"), "1", syncer.Always(syncer.Decline))
	if err != nil {
		t.Fatalf("ApplyInteractive: %v", err)
	}
	if !res.Verified {
		t.Errorf("result = %+v, want verified", res)
	}
	data, _ := os.ReadFile(attrPath)
	if string(data) != "1" {
		t.Errorf("attribute = %q, want 1", data)
	}

	records, err := e.history.ListApplyRecords("bigmem", 10, 0)
	if err != nil || len(records) != 1 || records[0].Source != "cli" {
		t.Errorf("records = %+v, err = %v", records, err)
	}

	if _, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "bigmem.lock")); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}

func TestOpenEnv_FileBackend(t *testing.T) {
	cfg, attrPath := testConfig(t, config.BackendFile)
	if err := os.WriteFile(attrPath, []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := openEnv(cfg)
	if err != nil {
		t.Fatalf("openEnv: %v", err)
	}
	defer e.Close()

	if e.history != nil {
		t.Error("file backend should not expose history")
	}

	s, _ := e.settings.Get("bigmem")
	if _, err := s.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.Storage.DataDir, "prefs.json"))
	if err != nil {
		t.Fatalf("reading prefs.json: %v", err)
	}
	var stored map[string]string
	json.Unmarshal(raw, &stored)
	if stored["bigmem"] != "1" {
		t.Errorf("prefs.json = %s, want bigmem=1", raw)
	}
}

func TestOpenEnv_BadCatalog(t *testing.T) {
	cfg, _ := testConfig(t, config.BackendSQLite)
	cfg.Catalog.File = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := openEnv(cfg); err == nil {
		t.Fatal("expected error for missing catalog file")
	}
}

func TestStartupRestore(t *testing.T) {
	cfg, _ := testConfig(t, config.BackendSQLite)
	e, err := openEnv(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	startupRestore(ctx, e.settings)

	v, ok, err := e.prefs.Get("bigmem")
	if err != nil || !ok || v != "0" {
		t.Errorf("stored = %q, %v, %v; want \"0\"", v, ok, err)
	}
}

// --- output ---

func TestDescribeStatus(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	tests := []struct {
		st   syncer.Status
		want string
	}{
		{syncer.Status{Path: "/sys/x"}, "not supported"},
		{syncer.Status{Supported: true, Error: "read failed"}, "error: read failed"},
		{syncer.Status{Supported: true, Kernel: "1"}, "stored=unset"},
		{syncer.Status{Supported: true, Kernel: "1", Stored: "1", HasStored: true, InSync: true}, "(in sync)"},
		{syncer.Status{Supported: true, Kernel: "1", Stored: "0", HasStored: true}, "(drifted)"},
	}
	for _, tt := range tests {
		if got := describeStatus(tt.st); !strings.Contains(got, tt.want) {
			t.Errorf("describeStatus(%+v) = %q, want it to contain %q", tt.st, got, tt.want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintStatus(t *testing.T) {
	old, oldColor := stdout, noColor
	defer func() { stdout, noColor = old, oldColor }()

	var buf bytes.Buffer
	stdout, noColor = &buf, true

	printStatus("bigmem", "kernel=%s", "1")
	if got := buf.String(); got != "  bigmem: kernel=1\n" {
		t.Errorf("output = %q", got)
	}
}

// --- commands ---

func TestApplyCommand_ConflictingFlags(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"apply", "--yes", "--no-retry", "1"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for --yes with --no-retry")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error = %q", err)
	}
}

func TestApplyCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"apply"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing value")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Storage.Backend = config.BackendFile

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}
