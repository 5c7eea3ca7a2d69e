package codeinterpreter_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/mfzzf/e2b-test-suite/internal/codeinterpreter"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox/sandboxtest"
)

// fakeKernel answers /execute with canned NDJSON keyed by code and keeps
// a set of contexts.
type fakeKernel struct {
	mu       sync.Mutex
	outputs  map[string][]string
	contexts map[string]codeinterpreter.Context
	lastReq  map[string]any
	restarts int
}

func newKernel(srv *sandboxtest.Server) *fakeKernel {
	k := &fakeKernel{
		outputs:  make(map[string][]string),
		contexts: map[string]codeinterpreter.Context{"python": {ID: "python", Language: "python", Cwd: "/home/user"}},
	}
	srv.Handle("POST /execute", http.HandlerFunc(k.execute))
	srv.Handle("POST /contexts", http.HandlerFunc(k.createContext))
	srv.Handle("GET /contexts", http.HandlerFunc(k.listContexts))
	srv.Handle("DELETE /contexts/{id}", http.HandlerFunc(k.removeContext))
	srv.Handle("POST /contexts/{id}/restart", http.HandlerFunc(k.restartContext))
	return k
}

func (k *fakeKernel) on(code string, lines ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.outputs[code] = lines
}

func (k *fakeKernel) execute(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("E2b-Sandbox-Port") != "49999" {
		http.Error(w, "wrong port", http.StatusBadGateway)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = sonic.Unmarshal(data, &req)

	k.mu.Lock()
	k.lastReq = req
	lines, ok := k.outputs[req["code"].(string)]
	k.mu.Unlock()
	if !ok {
		lines = []string{`{"type":"error","name":"NameError","value":"unknown code","traceback":""}`}
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, l := range lines {
		_, _ = io.WriteString(w, l+"\n")
	}
	_, _ = io.WriteString(w, `{"type":"end_of_execution"}`+"\n")
}

func (k *fakeKernel) createContext(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var c codeinterpreter.Context
	_ = sonic.Unmarshal(data, &c)
	if c.Language == "" {
		c.Language = "python"
	}
	if c.Cwd == "" {
		c.Cwd = "/home/user"
	}
	k.mu.Lock()
	c.ID = "ctx-" + string(rune('a'+len(k.contexts)))
	k.contexts[c.ID] = c
	k.mu.Unlock()
	out, _ := sonic.Marshal(c)
	_, _ = w.Write(out)
}

func (k *fakeKernel) listContexts(w http.ResponseWriter, _ *http.Request) {
	k.mu.Lock()
	list := make([]codeinterpreter.Context, 0, len(k.contexts))
	for _, c := range k.contexts {
		list = append(list, c)
	}
	k.mu.Unlock()
	out, _ := sonic.Marshal(list)
	_, _ = w.Write(out)
}

func (k *fakeKernel) removeContext(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := k.contexts[id]; !ok {
		http.Error(w, `{"code":404,"message":"context not found"}`, http.StatusNotFound)
		return
	}
	delete(k.contexts, id)
	w.WriteHeader(http.StatusNoContent)
}

func (k *fakeKernel) restartContext(w http.ResponseWriter, _ *http.Request) {
	k.mu.Lock()
	k.restarts++
	k.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func setup(t *testing.T) (*codeinterpreter.Sandbox, *fakeKernel) {
	t.Helper()
	srv := sandboxtest.New("test-key")
	t.Cleanup(srv.Close)
	k := newKernel(srv)
	sbx, err := codeinterpreter.Create(context.Background(), sandbox.NewClient(srv.Config()), sandbox.CreateParams{})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sbx.TemplateID != codeinterpreter.DefaultTemplate {
		t.Errorf("template = %q", sbx.TemplateID)
	}
	return sbx, k
}

// --- Execution ---

func TestRunCode_Stdout(t *testing.T) {
	sbx, k := setup(t)
	k.on("print('hello world')",
		`{"type":"number_of_executions","execution_count":1}`,
		`{"type":"stdout","text":"hello world\n","timestamp":1}`,
	)

	var streamed []string
	exec, err := sbx.RunCode(context.Background(), "print('hello world')",
		codeinterpreter.WithOnStdout(func(s string) { streamed = append(streamed, s) }))
	if err != nil {
		t.Fatalf("RunCode() error: %v", err)
	}
	if !strings.Contains(exec.Stdout(), "hello world") {
		t.Errorf("stdout = %q", exec.Stdout())
	}
	if len(streamed) != 1 {
		t.Errorf("streamed = %v", streamed)
	}
	if exec.ExecutionCount != 1 {
		t.Errorf("execution count = %d", exec.ExecutionCount)
	}
	if exec.Error != nil {
		t.Errorf("unexpected error: %v", exec.Error)
	}
}

func TestRunCode_Error(t *testing.T) {
	sbx, k := setup(t)
	k.on("1/0", `{"type":"error","name":"ZeroDivisionError","value":"division by zero","traceback":"Traceback..."}`)

	var got codeinterpreter.ExecutionError
	exec, err := sbx.RunCode(context.Background(), "1/0",
		codeinterpreter.WithOnError(func(e codeinterpreter.ExecutionError) { got = e }))
	if err != nil {
		t.Fatalf("RunCode() error: %v", err)
	}
	if exec.Error == nil || exec.Error.Name != "ZeroDivisionError" {
		t.Fatalf("execution error = %+v", exec.Error)
	}
	if got.Value != "division by zero" {
		t.Errorf("callback error = %+v", got)
	}
	if exec.Error.Error() != "ZeroDivisionError: division by zero" {
		t.Errorf("Error() = %q", exec.Error.Error())
	}
}

func TestRunCode_ResultAndChart(t *testing.T) {
	sbx, k := setup(t)
	k.on("plot",
		`{"type":"result","text":"<Figure>","png":"iVBORw0KGgo=","is_main_result":false,"chart":{"type":"bar","title":"Sales","x_label":"month","elements":[{"label":"Jan","value":10}]}}`,
		`{"type":"result","text":"126","is_main_result":true}`,
	)

	var results int
	exec, err := sbx.RunCode(context.Background(), "plot",
		codeinterpreter.WithOnResult(func(codeinterpreter.Result) { results++ }))
	if err != nil {
		t.Fatalf("RunCode() error: %v", err)
	}
	if results != 2 || len(exec.Results) != 2 {
		t.Fatalf("results = %d, %d", results, len(exec.Results))
	}
	if exec.Text() != "126" {
		t.Errorf("Text() = %q", exec.Text())
	}
	chart := exec.Results[0].Chart
	if chart == nil || chart.Type != codeinterpreter.ChartBar || chart.Title != "Sales" || len(chart.Elements) != 1 {
		t.Fatalf("chart = %+v", chart)
	}
	formats := strings.Join(exec.Results[0].Formats(), ",")
	if formats != "text,png,chart" {
		t.Errorf("Formats() = %q", formats)
	}
}

func TestRunCode_Options(t *testing.T) {
	sbx, k := setup(t)
	k.on("import os", `{"type":"stdout","text":"ok"}`)

	_, err := sbx.RunCode(context.Background(), "import os",
		codeinterpreter.WithLanguage("python"),
		codeinterpreter.WithEnvs(map[string]string{"FOO": "bar"}))
	if err != nil {
		t.Fatalf("RunCode() error: %v", err)
	}
	k.mu.Lock()
	req := k.lastReq
	k.mu.Unlock()
	if req["language"] != "python" {
		t.Errorf("language = %v", req["language"])
	}
	envs, _ := req["env_vars"].(map[string]any)
	if envs["FOO"] != "bar" {
		t.Errorf("env_vars = %v", req["env_vars"])
	}

	_, err = sbx.RunCode(context.Background(), "x",
		codeinterpreter.WithLanguage("python"),
		codeinterpreter.WithContext(&codeinterpreter.Context{ID: "python"}))
	if !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("context+language error = %v, want ErrInvalidArgument", err)
	}
}

func TestRunCode_UnexpectedEnd(t *testing.T) {
	sbx, k := setup(t)
	k.on("crash", `{"type":"unexpected_end_of_execution"}`)
	if _, err := sbx.RunCode(context.Background(), "crash"); err == nil {
		t.Error("expected error on unexpected end")
	}
}

// --- Contexts ---

func TestContexts(t *testing.T) {
	sbx, k := setup(t)
	ctx := context.Background()

	c, err := sbx.CreateContext(ctx, "", "/tmp/test_dir")
	if err != nil {
		t.Fatalf("CreateContext() error: %v", err)
	}
	if c.ID == "" || c.Language != "python" || c.Cwd != "/tmp/test_dir" {
		t.Errorf("context = %+v", c)
	}

	list, err := sbx.ListContexts(ctx)
	if err != nil {
		t.Fatalf("ListContexts() error: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("contexts = %v", list)
	}

	if err := sbx.RestartContext(ctx, c.ID); err != nil {
		t.Fatalf("RestartContext() error: %v", err)
	}
	k.mu.Lock()
	restarts := k.restarts
	k.mu.Unlock()
	if restarts != 1 {
		t.Errorf("restarts = %d", restarts)
	}

	if err := sbx.RemoveContext(ctx, c.ID); err != nil {
		t.Fatalf("RemoveContext() error: %v", err)
	}
	err = sbx.RemoveContext(ctx, c.ID)
	if !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("second RemoveContext() error = %v, want ErrNotFound", err)
	}
	if err := sbx.RemoveContext(ctx, ""); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("empty id error = %v", err)
	}
}
