// Package sandboxtest provides an in-memory fake of the sandbox platform for
// tests: the control plane REST API and envd's process and filesystem
// services, all served from one httptest server.
package sandboxtest

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const fakeDomain = "sandbox.test"

// Server is a fake platform. Create one with New and point a
// sandbox.ConnectionConfig at it with Config.
type Server struct {
	*httptest.Server

	APIKey string
	// Exec simulates processes. Defaults to Shell.
	Exec ExecFunc

	mux *http.ServeMux

	mu        sync.Mutex
	sandboxes map[string]*fakeSandbox
	order     []string
	rejected  map[string]bool
	nextPID   uint32
}

type fakeSandbox struct {
	info   sandbox.SandboxInfo
	token  string
	envs   map[string]string
	killed bool
	fs     *memFS
	procs  map[uint32]*fakeProc
	logs   []sandbox.LogEntry
}

// New starts a fake platform that accepts apiKey.
func New(apiKey string) *Server {
	s := &Server{
		APIKey:    apiKey,
		Exec:      Shell,
		mux:       http.NewServeMux(),
		sandboxes: make(map[string]*fakeSandbox),
		rejected:  make(map[string]bool),
		nextPID:   100,
	}
	s.routes()
	s.Server = httptest.NewServer(s.mux)
	return s
}

// Config returns a connection config that routes both the control plane and
// every sandbox port to the fake.
func (s *Server) Config() sandbox.ConnectionConfig {
	return sandbox.ConnectionConfig{
		APIKey:     s.APIKey,
		Domain:     fakeDomain,
		APIURL:     s.URL,
		SandboxURL: s.URL,
		HTTPClient: s.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Handle registers an extra route, for services such as the code interpreter
// that listen on other sandbox ports.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// RejectTemplate makes sandbox creation from name fail as an unknown template.
func (s *Server) RejectTemplate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[name] = true
}

// SandboxCount returns the number of sandboxes that have not been killed.
func (s *Server) SandboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sb := range s.sandboxes {
		if !sb.killed {
			n++
		}
	}
	return n
}

// WriteFile seeds a file inside a sandbox.
func (s *Server) WriteFile(sandboxID, path string, data []byte) bool {
	sb := s.lookup(sandboxID)
	if sb == nil {
		return false
	}
	return sb.fs.write(path, data)
}

// ReadFile returns a file from a sandbox.
func (s *Server) ReadFile(sandboxID, path string) ([]byte, bool) {
	sb := s.lookup(sandboxID)
	if sb == nil {
		return nil, false
	}
	data, dir, ok := sb.fs.read(path)
	return data, ok && !dir
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /sandboxes", s.auth(s.handleCreate))
	s.mux.HandleFunc("GET /sandboxes/{id}", s.auth(s.handleGet))
	s.mux.HandleFunc("DELETE /sandboxes/{id}", s.auth(s.handleKill))
	s.mux.HandleFunc("POST /sandboxes/{id}/timeout", s.auth(s.handleTimeout))
	s.mux.HandleFunc("POST /sandboxes/{id}/pause", s.auth(s.handlePause))
	s.mux.HandleFunc("POST /sandboxes/{id}/resume", s.auth(s.handleResume))
	s.mux.HandleFunc("POST /sandboxes/{id}/connect", s.auth(s.handleConnect))
	s.mux.HandleFunc("GET /sandboxes/{id}/metrics", s.auth(s.handleMetrics))
	s.mux.HandleFunc("GET /sandboxes/{id}/logs", s.auth(s.handleLogs))
	s.mux.HandleFunc("GET /v2/sandboxes", s.auth(s.handleList))
	s.envdRoutes()
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey != "" && r.Header.Get("X-API-KEY") != s.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "message": msg})
}

func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, v)
}

// lookup returns a live sandbox or nil.
func (s *Server) lookup(id string) *fakeSandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.sandboxes[id]
	if !ok || sb.killed {
		return nil
	}
	return sb
}

type createBody struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata"`
	EnvVars    map[string]string `json:"envVars"`
	Secure     bool              `json:"secure"`
}

type sandboxBody struct {
	SandboxID       string `json:"sandboxID"`
	TemplateID      string `json:"templateID"`
	ClientID        string `json:"clientID"`
	EnvdVersion     string `json:"envdVersion"`
	EnvdAccessToken string `json:"envdAccessToken,omitempty"`
	Domain          string `json:"domain"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.TemplateID == "" {
		body.TemplateID = sandbox.DefaultTemplate
	}
	if body.Timeout <= 0 {
		body.Timeout = 300
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[body.TemplateID] {
		writeError(w, http.StatusNotFound, "template '"+body.TemplateID+"' not found")
		return
	}

	id := "i" + strings.ReplaceAll(uuid.NewString(), "-", "")[:19]
	now := time.Now().UTC()
	sb := &fakeSandbox{
		info: sandbox.SandboxInfo{
			SandboxID:   id,
			TemplateID:  body.TemplateID,
			Alias:       body.TemplateID,
			ClientID:    "fake",
			StartedAt:   now,
			EndAt:       now.Add(time.Duration(body.Timeout) * time.Second),
			Metadata:    body.Metadata,
			State:       sandbox.StateRunning,
			CPUCount:    2,
			MemoryMB:    512,
			EnvdVersion: "0.2.0",
		},
		envs:  body.EnvVars,
		fs:    newMemFS(),
		procs: make(map[uint32]*fakeProc),
		logs:  []sandbox.LogEntry{{Timestamp: now, Line: "sandbox started"}},
	}
	if body.Secure {
		sb.token = uuid.NewString()
	}
	s.sandboxes[id] = sb
	s.order = append(s.order, id)

	writeJSON(w, http.StatusCreated, s.sandboxBody(sb))
}

func (s *Server) sandboxBody(sb *fakeSandbox) sandboxBody {
	return sandboxBody{
		SandboxID:       sb.info.SandboxID,
		TemplateID:      sb.info.TemplateID,
		ClientID:        sb.info.ClientID,
		EnvdVersion:     sb.info.EnvdVersion,
		EnvdAccessToken: sb.token,
		Domain:          fakeDomain,
	}
}

// withSandbox resolves the {id} path value under s.mu.
func (s *Server) withSandbox(w http.ResponseWriter, r *http.Request, fn func(*fakeSandbox)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.sandboxes[r.PathValue("id")]
	if !ok || sb.killed {
		writeError(w, http.StatusNotFound, "sandbox \""+r.PathValue("id")+"\" doesn't exist or you don't have access to it")
		return
	}
	fn(sb)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		writeJSON(w, http.StatusOK, sb.info)
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		sb.killed = true
		for _, p := range sb.procs {
			p.kill()
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timeout int `json:"timeout"`
	}
	if err := decode(r, &body); err != nil || body.Timeout <= 0 {
		writeError(w, http.StatusBadRequest, "timeout must be positive")
		return
	}
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		sb.info.EndAt = time.Now().UTC().Add(time.Duration(body.Timeout) * time.Second)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		if sb.info.State == sandbox.StatePaused {
			writeError(w, http.StatusConflict, "sandbox is already paused")
			return
		}
		sb.info.State = sandbox.StatePaused
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		if sb.info.State == sandbox.StateRunning {
			writeError(w, http.StatusConflict, "sandbox is already running")
			return
		}
		sb.info.State = sandbox.StateRunning
		writeJSON(w, http.StatusCreated, s.sandboxBody(sb))
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timeout int `json:"timeout"`
	}
	_ = decode(r, &body)
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		status := http.StatusOK
		if sb.info.State == sandbox.StatePaused {
			sb.info.State = sandbox.StateRunning
			status = http.StatusCreated
		}
		if body.Timeout > 0 {
			sb.info.EndAt = time.Now().UTC().Add(time.Duration(body.Timeout) * time.Second)
		}
		writeJSON(w, status, s.sandboxBody(sb))
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		writeJSON(w, http.StatusOK, []sandbox.SandboxMetrics{{
			Timestamp:  time.Now().UTC(),
			CPUCount:   sb.info.CPUCount,
			CPUUsedPct: 1.5,
			MemUsed:    64 << 20,
			MemTotal:   int64(sb.info.MemoryMB) << 20,
			DiskUsed:   512 << 20,
			DiskTotal:  2 << 30,
		}})
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.withSandbox(w, r, func(sb *fakeSandbox) {
		writeJSON(w, http.StatusOK, map[string]any{"logs": sb.logs})
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	states := map[string]bool{}
	if v := q.Get("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			states[st] = true
		}
	}
	var mdFilter url.Values
	if v := q.Get("metadata"); v != "" {
		parsed, err := url.ParseQuery(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid metadata filter")
			return
		}
		mdFilter = parsed
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("nextToken"))

	s.mu.Lock()
	var matched []sandbox.SandboxInfo
	for _, id := range s.order {
		sb := s.sandboxes[id]
		if sb.killed {
			continue
		}
		if len(states) > 0 && !states[string(sb.info.State)] {
			continue
		}
		ok := true
		for k := range mdFilter {
			if sb.info.Metadata[k] != mdFilter.Get(k) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, sb.info)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartedAt.Before(matched[j].StartedAt) })
	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
		w.Header().Set("X-Next-Token", strconv.Itoa(offset+limit))
	}
	if page == nil {
		page = []sandbox.SandboxInfo{}
	}
	writeJSON(w, http.StatusOK, page)
}
