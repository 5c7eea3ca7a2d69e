package template

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

// fakeBuildAPI emulates the template build endpoints of the control plane.
type fakeBuildAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	created createTemplateRequest
	started *Spec
	present map[string]bool
	uploads map[string][]string
	polls   int
	fail    string
	hold    bool
	offsets []int
}

func newFakeBuildAPI(t *testing.T) *fakeBuildAPI {
	t.Helper()
	f := &fakeBuildAPI{t: t, present: map[string]bool{}, uploads: map[string][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/templates", f.create)
	mux.HandleFunc("GET /templates/{id}/files/{hash}", f.files)
	mux.HandleFunc("PUT /upload/{hash}", f.upload)
	mux.HandleFunc("POST /v2/templates/{id}/builds/{build}", f.start)
	mux.HandleFunc("GET /templates/{id}/builds/{build}/status", f.status)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBuildAPI) client() *Client {
	api := sandbox.NewClient(sandbox.ConnectionConfig{
		APIKey:     "test-key",
		APIURL:     f.srv.URL,
		HTTPClient: f.srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return NewClient(api)
}

func (f *fakeBuildAPI) writeJSON(w http.ResponseWriter, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (f *fakeBuildAPI) create(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-KEY") != "test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req createTemplateRequest
	body, _ := io.ReadAll(r.Body)
	if err := sonic.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.created = req
	f.mu.Unlock()
	f.writeJSON(w, map[string]string{"templateID": "tpl-1", "buildID": "build-1"})
}

func (f *fakeBuildAPI) files(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	f.mu.Lock()
	present := f.present[hash]
	f.mu.Unlock()
	if present {
		f.writeJSON(w, fileUploadResponse{Present: true})
		return
	}
	f.writeJSON(w, fileUploadResponse{URL: f.srv.URL + "/upload/" + hash})
}

func (f *fakeBuildAPI) upload(w http.ResponseWriter, r *http.Request) {
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		names = append(names, hdr.Name)
	}
	hash := r.PathValue("hash")
	f.mu.Lock()
	f.uploads[hash] = names
	f.present[hash] = true
	f.mu.Unlock()
}

func (f *fakeBuildAPI) start(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") != "tpl-1" || r.PathValue("build") != "build-1" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var spec Spec
	body, _ := io.ReadAll(r.Body)
	if err := sonic.Unmarshal(body, &spec); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.started = &spec
	f.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeBuildAPI) status(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("logsOffset"))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	f.polls++
	resp := BuildStatusResponse{TemplateID: "tpl-1", BuildID: "build-1", Status: StatusBuilding}
	switch {
	case f.hold:
	case f.polls == 1:
		resp.LogEntries = []LogEntry{{Level: "info", Message: "pulling base image"}, {Level: "info", Message: "running step 1"}}
	case f.fail != "":
		resp.Status = StatusError
		resp.Reason = &BuildReason{Message: f.fail, Step: "1"}
	default:
		resp.Status = StatusReady
		resp.LogEntries = []LogEntry{{Level: "info", Message: "done"}}
	}
	f.writeJSON(w, resp)
}

// --- Build ---

func TestBuild(t *testing.T) {
	f := newFakeBuildAPI(t)
	dir := writeContext(t)
	tpl := New(WithFileContext(dir), WithIgnorePatterns("**/*.env")).
		FromBaseImage().
		Copy("app", "/home/user/app", CopyOptions{}).
		RunCmd("python /home/user/app/main.py")

	var (
		mu   sync.Mutex
		logs []string
	)
	opts := BuildOptions{
		Alias:        "suite-test",
		CPUCount:     2,
		MemoryMB:     1024,
		PollInterval: time.Millisecond,
		OnBuildLogs: func(e LogEntry) {
			mu.Lock()
			logs = append(logs, e.Message)
			mu.Unlock()
		},
	}
	info, err := f.client().Build(context.Background(), tpl, opts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if info.TemplateID != "tpl-1" || info.BuildID != "build-1" || info.Alias != "suite-test" {
		t.Errorf("info = %+v", info)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created.Alias != "suite-test" || f.created.CPUCount != 2 || f.created.MemoryMB != 1024 {
		t.Errorf("create request = %+v", f.created)
	}
	if f.started == nil || f.started.FromImage != DefaultBaseImage || len(f.started.Steps) != 2 {
		t.Fatalf("started spec = %+v", f.started)
	}
	hash := f.started.Steps[0].FilesHash
	if len(hash) != 64 {
		t.Fatalf("COPY hash = %q", hash)
	}
	if got := strings.Join(f.uploads[hash], ","); got != "app/main.py,app/util.py" {
		t.Errorf("uploaded = %q", got)
	}
	if len(f.offsets) != 2 || f.offsets[0] != 0 || f.offsets[1] != 2 {
		t.Errorf("log offsets = %v", f.offsets)
	}

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(logs, "\n")
	for _, want := range []string{"Requesting build for template: suite-test", "Uploaded 'app'", "pulling base image", "done"} {
		if !strings.Contains(joined, want) {
			t.Errorf("logs missing %q:\n%s", want, joined)
		}
	}
}

func TestBuild_CachedUpload(t *testing.T) {
	f := newFakeBuildAPI(t)
	dir := writeContext(t)
	tpl := New(WithFileContext(dir)).FromBaseImage().Copy("app", "/app", CopyOptions{})

	spec, err := tpl.spec(true)
	if err != nil {
		t.Fatal(err)
	}
	f.present[spec.Steps[0].FilesHash] = true

	var logs []string
	_, err = f.client().BuildInBackground(context.Background(), tpl, BuildOptions{
		Alias:       "cached",
		OnBuildLogs: func(e LogEntry) { logs = append(logs, e.Message) },
	})
	if err != nil {
		t.Fatalf("BuildInBackground() error: %v", err)
	}
	if len(f.uploads) != 0 {
		t.Errorf("unexpected uploads: %v", f.uploads)
	}
	if !strings.Contains(strings.Join(logs, "\n"), "Skipping upload of 'app'") {
		t.Errorf("logs = %v", logs)
	}
}

func TestBuild_SkipCache(t *testing.T) {
	f := newFakeBuildAPI(t)
	_, err := f.client().BuildInBackground(context.Background(), New().FromTemplate("base").RunCmd("true"), BuildOptions{
		Alias:     "forced",
		SkipCache: true,
	})
	if err != nil {
		t.Fatalf("BuildInBackground() error: %v", err)
	}
	if f.started == nil || !f.started.Force || f.started.FromTemplate != "base" {
		t.Errorf("started = %+v", f.started)
	}
}

func TestBuild_Failure(t *testing.T) {
	f := newFakeBuildAPI(t)
	f.fail = "step 1 exited with code 127"

	_, err := f.client().Build(context.Background(), New().FromBaseImage().RunCmd("nope"), BuildOptions{
		Alias:        "broken",
		PollInterval: time.Millisecond,
	})
	if !errors.Is(err, sandbox.ErrBuild) {
		t.Fatalf("error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "exited with code 127") {
		t.Errorf("error = %v", err)
	}
}

func TestBuild_Validation(t *testing.T) {
	f := newFakeBuildAPI(t)
	c := f.client()

	if _, err := c.Build(context.Background(), New().FromBaseImage(), BuildOptions{}); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("empty alias error = %v", err)
	}
	if _, err := c.Build(context.Background(), New(), BuildOptions{Alias: "x"}); !errors.Is(err, ErrNoBase) {
		t.Errorf("no base error = %v", err)
	}
}

func TestWaitForBuild_ContextDone(t *testing.T) {
	f := newFakeBuildAPI(t)
	f.hold = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.client().WaitForBuild(ctx, &BuildInfo{TemplateID: "tpl-1", BuildID: "build-1"}, BuildOptions{PollInterval: 5 * time.Millisecond})
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}
