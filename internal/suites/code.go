package suites

import (
	"slices"
	"strings"
	"sync"

	"github.com/mfzzf/e2b-test-suite/internal/codeinterpreter"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// createInterpreter starts a code interpreter sandbox for the case.
func (e *Env) createInterpreter(t *suite.T) *codeinterpreter.Sandbox {
	return codeinterpreter.New(e.create(t, e.params(e.Config.Suites.CodeTemplate())))
}

func runCode(t *suite.T, sbx *codeinterpreter.Sandbox, code string, opts ...codeinterpreter.RunOption) *codeinterpreter.Execution {
	exec, err := sbx.RunCode(t.Context(), code, opts...)
	t.NoError(err, "run code")
	return exec
}

func (e *Env) codeExecution() *suite.Suite {
	return &suite.Suite{
		Name:        "code_execution",
		Description: "Python execution through the code interpreter",
		Tags:        []string{suite.TagDefault, TagCodeInterpreter},
		Cases: []suite.Case{
			{Name: "simple_code", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), "print('hello world')")
				contains(t, exec.Stdout(), "hello world", "stdout")
			}},
			{Name: "math_calculation", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), `
import math
result = math.sqrt(144) + math.pow(2, 10)
print(f"result: {result}")
result
`)
				t.True(exec.Error == nil, "execution error: %v", exec.Error)
				t.Equal(exec.Text(), "1036.0", "result")
			}},
			{Name: "data_processing", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), `
data = [1, 2, 3, 4, 5, 6, 7, 8, 9, 10]
avg = sum(data) / len(data)
print(f"avg: {avg}, max: {max(data)}, min: {min(data)}")
`)
				contains(t, exec.Stdout(), "avg: 5.5, max: 10, min: 1", "stdout")
			}},
			{Name: "error_handling", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), "x = 1 / 0")
				t.True(exec.Error != nil, "division by zero raised no error")
				t.Equal(exec.Error.Name, "ZeroDivisionError", "error name")
				t.True(exec.Error.Traceback != "", "traceback is empty")
			}},
		},
	}
}

func (e *Env) codeContexts() *suite.Suite {
	return &suite.Suite{
		Name:        "code_interpreter_context",
		Description: "Interpreter contexts: state, working directory, removal and restart",
		Tags:        []string{TagCodeInterpreter},
		Cases: []suite.Case{
			{Name: "create_context", Run: func(t *suite.T) {
				sbx := e.createInterpreter(t)
				c, err := sbx.CreateContext(t.Context(), "python", "")
				t.NoError(err, "create context")
				t.True(c.ID != "", "context id is empty")
				t.Equal(c.Language, "python", "language")
				list, err := sbx.ListContexts(t.Context())
				t.NoError(err, "list contexts")
				t.True(len(list) >= 1, "no contexts listed")
			}},
			{Name: "stateful_execution", Run: func(t *suite.T) {
				sbx := e.createInterpreter(t)
				runCode(t, sbx, "x = 42")
				exec := runCode(t, sbx, "y = x * 2\nprint(f'y = {y}')")
				contains(t, exec.Stdout(), "84", "stdout")
				exec = runCode(t, sbx, "z = x + y\nz")
				t.Equal(exec.Text(), "126", "z")
			}},
			{Name: "context_cwd", Run: func(t *suite.T) {
				sbx := e.createInterpreter(t)
				_, err := sbx.Files.MakeDir(t.Context(), "/tmp/test_dir")
				t.NoError(err, "make dir")
				c, err := sbx.CreateContext(t.Context(), "", "/tmp/test_dir")
				t.NoError(err, "create context")
				t.Equal(c.Cwd, "/tmp/test_dir", "context cwd")
				exec := runCode(t, sbx, "import os; print(os.getcwd())", codeinterpreter.WithContext(c))
				contains(t, exec.Stdout(), "/tmp/test_dir", "stdout")
			}},
			{Name: "remove_context", Run: func(t *suite.T) {
				sbx := e.createInterpreter(t)
				c, err := sbx.CreateContext(t.Context(), "", "")
				t.NoError(err, "create context")
				t.True(slices.Contains(contextIDs(t, sbx), c.ID), "context %s not listed", c.ID)
				t.NoError(sbx.RemoveContext(t.Context(), c.ID), "remove context")
				t.True(!slices.Contains(contextIDs(t, sbx), c.ID), "context %s still listed after removal", c.ID)
			}},
			{Name: "restart_context", Run: func(t *suite.T) {
				sbx := e.createInterpreter(t)
				c, err := sbx.CreateContext(t.Context(), "", "")
				t.NoError(err, "create context")
				with := codeinterpreter.WithContext(c)
				runCode(t, sbx, "restart_test_var = 'hello'", with)
				exec := runCode(t, sbx, "print(restart_test_var)", with)
				contains(t, exec.Stdout(), "hello", "stdout")

				t.NoError(sbx.RestartContext(t.Context(), c.ID), "restart context")
				exec = runCode(t, sbx, "print(restart_test_var)", with)
				t.True(exec.Error != nil, "variable survived the restart")
				t.Equal(exec.Error.Name, "NameError", "error name")
			}},
		},
	}
}

func contextIDs(t *suite.T, sbx *codeinterpreter.Sandbox) []string {
	list, err := sbx.ListContexts(t.Context())
	t.NoError(err, "list contexts")
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids
}

func (e *Env) streaming() *suite.Suite {
	return &suite.Suite{
		Name:        "streaming",
		Description: "Live stdout and stderr callbacks from the code interpreter",
		Tags:        []string{suite.TagDefault, TagCodeInterpreter},
		Cases: []suite.Case{
			{Name: "streaming_output", Run: func(t *suite.T) {
				var (
					mu             sync.Mutex
					stdout, stderr []string
					errs           []codeinterpreter.ExecutionError
				)
				exec := runCode(t, e.createInterpreter(t), `
import time
import sys

print("first line to stdout")
time.sleep(1)
print("second line to stderr", file=sys.stderr)
time.sleep(1)
print("third line to stdout")
`,
					codeinterpreter.WithOnStdout(func(s string) { mu.Lock(); stdout = append(stdout, s); mu.Unlock() }),
					codeinterpreter.WithOnStderr(func(s string) { mu.Lock(); stderr = append(stderr, s); mu.Unlock() }),
					codeinterpreter.WithOnError(func(err codeinterpreter.ExecutionError) { mu.Lock(); errs = append(errs, err); mu.Unlock() }),
				)
				mu.Lock()
				defer mu.Unlock()
				t.Logf("stdout chunks %d, stderr chunks %d, errors %d", len(stdout), len(stderr), len(errs))
				t.True(len(stdout) >= 2, "stdout chunks = %d, want at least 2", len(stdout))
				t.True(len(stderr) >= 1, "stderr chunks = %d, want at least 1", len(stderr))
				t.True(len(errs) == 0 && exec.Error == nil, "unexpected execution error")
			}},
			{Name: "long_running_output", Run: func(t *suite.T) {
				var (
					mu    sync.Mutex
					lines []string
				)
				runCode(t, e.createInterpreter(t), `
import time
for i in range(5):
    print(f"progress: {i+1}/5")
    time.sleep(0.5)
print("done!")
`, codeinterpreter.WithOnStdout(func(s string) {
					mu.Lock()
					defer mu.Unlock()
					lines = append(lines, strings.TrimSpace(s))
				}))
				mu.Lock()
				defer mu.Unlock()
				progress := 0
				for _, l := range lines {
					if strings.HasPrefix(l, "progress:") {
						progress++
					}
				}
				t.Equal(progress, 5, "progress lines")
				t.True(slices.Contains(lines, "done!"), "final line missing from %q", lines)
			}},
		},
	}
}

func (e *Env) charts() *suite.Suite {
	return &suite.Suite{
		Name:        "charts",
		Description: "Matplotlib figures extracted as structured charts",
		Tags:        []string{suite.TagDefault, TagCodeInterpreter},
		Cases: []suite.Case{
			{Name: "bar_chart", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), `
import matplotlib.pyplot as plt

authors = ['Author A', 'Author B', 'Author C', 'Author D']
sales = [100, 200, 300, 400]

plt.figure(figsize=(10, 6))
plt.bar(authors, sales, label='Books Sold', color='blue')
plt.xlabel('Authors')
plt.ylabel('Number of Books Sold')
plt.title('Book Sales by Authors')
plt.tight_layout()
plt.show()
`)
				chart := firstChart(exec)
				t.True(chart != nil, "no chart among %d results", len(exec.Results))
				t.Equal(chart.Type, codeinterpreter.ChartBar, "chart type")
				t.Equal(chart.Title, "Book Sales by Authors", "chart title")
				t.Equal(chart.XLabel, "Authors", "x label")
				t.Equal(chart.YLabel, "Number of Books Sold", "y label")
				t.Equal(len(chart.Elements), 4, "bar count")
				for _, el := range chart.Elements {
					t.Logf("  %v: %v", el["label"], el["value"])
				}
			}},
			{Name: "line_chart", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), `
import matplotlib.pyplot as plt

x = [1, 2, 3, 4, 5]
y = [2, 4, 6, 8, 10]

plt.figure(figsize=(8, 5))
plt.plot(x, y, marker='o', label='Linear Growth')
plt.xlabel('X Axis')
plt.ylabel('Y Axis')
plt.title('Simple Line Chart')
plt.legend()
plt.grid(True)
plt.show()
`)
				t.True(len(exec.Results) >= 1, "line chart produced no results")
				if chart := firstChart(exec); chart != nil {
					t.Equal(chart.Type, codeinterpreter.ChartLine, "chart type")
				}
			}},
			{Name: "pie_chart", Run: func(t *suite.T) {
				exec := runCode(t, e.createInterpreter(t), `
import matplotlib.pyplot as plt

labels = ['Python', 'JavaScript', 'Go', 'Rust']
sizes = [40, 30, 20, 10]
colors = ['#ff9999', '#66b3ff', '#99ff99', '#ffcc99']

plt.figure(figsize=(8, 8))
plt.pie(sizes, labels=labels, colors=colors, autopct='%1.1f%%', startangle=90)
plt.title('Programming Language Usage')
plt.show()
`)
				t.True(len(exec.Results) >= 1, "pie chart produced no results")
				if chart := firstChart(exec); chart != nil {
					t.Equal(chart.Type, codeinterpreter.ChartPie, "chart type")
				}
			}},
		},
	}
}

func firstChart(exec *codeinterpreter.Execution) *codeinterpreter.Chart {
	for _, r := range exec.Results {
		if r.Chart != nil {
			return r.Chart
		}
	}
	return nil
}
