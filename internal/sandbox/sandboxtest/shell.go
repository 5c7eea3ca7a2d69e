package sandboxtest

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExecRequest is a process start as seen by the fake envd.
type ExecRequest struct {
	SandboxID string
	Cmd       string
	Args      []string
	Envs      map[string]string
	Cwd       string
	User      string
	PTY       bool
	Stdin     bool

	ReadFile  func(path string) ([]byte, bool)
	WriteFile func(path string, data []byte) bool
	ListDir   func(path string) ([]string, bool)
}

// Script returns the shell script of a `bash -c` invocation, or the command
// line otherwise.
func (r ExecRequest) Script() string {
	for i, a := range r.Args {
		if a == "-c" && i+1 < len(r.Args) {
			return r.Args[i+1]
		}
	}
	return strings.TrimSpace(r.Cmd + " " + strings.Join(r.Args, " "))
}

// ExecResult decides what the fake process does.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    string
	// Block keeps the process running until it is killed.
	Block bool
	// Echo copies stdin (or PTY input) back to the output while blocked.
	Echo bool
}

// ExecFunc simulates a process.
type ExecFunc func(ExecRequest) ExecResult

// Shell interprets a small subset of bash: echo (with variable expansion and
// > redirects), cat, ls, pwd, whoami, env, sleep, true, false and exit,
// joined by ;, && or newlines. Anything else exits 127.
func Shell(req ExecRequest) ExecResult {
	if req.PTY {
		return ExecResult{Block: true, Echo: true}
	}

	var res ExecResult
	var stdout, stderr strings.Builder
	for _, stmt := range splitStatements(req.Script()) {
		if stmt.text == "" {
			continue
		}
		if stmt.needsSuccess && res.ExitCode != 0 {
			break
		}
		r := runStatement(req, stmt.text)
		stdout.WriteString(r.Stdout)
		stderr.WriteString(r.Stderr)
		res.ExitCode = r.ExitCode
		if r.Block {
			res.Block = true
			res.Echo = r.Echo
			break
		}
		if r.exit {
			break
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if res.ExitCode != 0 && res.Error == "" {
		res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return res
}

type statement struct {
	text         string
	needsSuccess bool
}

func splitStatements(script string) []statement {
	var out []statement
	needs := false
	script = strings.ReplaceAll(script, "\n", ";")
	for _, part := range strings.Split(script, "&&") {
		for i, s := range strings.Split(part, ";") {
			out = append(out, statement{text: strings.TrimSpace(s), needsSuccess: needs && i == 0})
		}
		needs = true
	}
	return out
}

type stmtResult struct {
	ExecResult
	exit bool
}

func runStatement(req ExecRequest, text string) stmtResult {
	// Output redirection.
	var redirect string
	toStderr := false
	if strings.HasSuffix(text, ">&2") {
		toStderr = true
		text = strings.TrimSpace(strings.TrimSuffix(text, ">&2"))
	} else if i := strings.LastIndex(text, ">"); i > 0 {
		redirect = strings.TrimSpace(text[i+1:])
		text = strings.TrimSpace(text[:i])
	}

	fields := splitWords(text, req.Envs)
	if len(fields) == 0 {
		return stmtResult{}
	}

	var r stmtResult
	switch name, args := fields[0], fields[1:]; name {
	case "echo":
		r.Stdout = strings.Join(args, " ") + "\n"
	case "pwd":
		cwd := req.Cwd
		if cwd == "" {
			cwd = homeDir(req.User)
		}
		r.Stdout = cwd + "\n"
	case "whoami":
		r.Stdout = req.User + "\n"
	case "env":
		keys := make([]string, 0, len(req.Envs))
		for k := range req.Envs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.Stdout += k + "=" + req.Envs[k] + "\n"
		}
	case "true":
	case "false":
		r.ExitCode = 1
	case "exit":
		if len(args) > 0 {
			r.ExitCode, _ = strconv.Atoi(args[0])
		}
		r.exit = true
	case "sleep":
		d := time.Second
		if len(args) > 0 {
			if secs, err := strconv.ParseFloat(args[0], 64); err == nil {
				d = time.Duration(secs * float64(time.Second))
			}
		}
		if d > 2*time.Second {
			r.Block = true
			return r
		}
		time.Sleep(d)
	case "cat":
		if len(args) == 0 {
			r.Block = true
			r.Echo = true
			return r
		}
		for _, a := range args {
			data, ok := readFile(req, a)
			if !ok {
				r.Stderr += fmt.Sprintf("cat: %s: No such file or directory\n", a)
				r.ExitCode = 1
				continue
			}
			r.Stdout += string(data)
		}
	case "ls":
		dir := req.Cwd
		all := false
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				dir = a
			} else if strings.Contains(a, "a") {
				all = true
			}
		}
		if dir == "" {
			dir = homeDir(req.User)
		}
		names, ok := listDir(req, dir)
		if !ok {
			r.Stderr = fmt.Sprintf("ls: cannot access '%s': No such file or directory\n", dir)
			r.ExitCode = 2
			break
		}
		if all {
			names = append([]string{".", ".."}, names...)
		}
		for _, n := range names {
			r.Stdout += n + "\n"
		}
	default:
		r.Stderr = fmt.Sprintf("bash: %s: command not found\n", name)
		r.ExitCode = 127
	}

	if toStderr {
		r.Stderr += r.Stdout
		r.Stdout = ""
	}
	if redirect != "" && req.WriteFile != nil {
		target := resolve(expand(redirect, req.Envs), req.User)
		if !req.WriteFile(target, []byte(r.Stdout)) {
			r.Stderr += fmt.Sprintf("bash: %s: Is a directory\n", redirect)
			r.ExitCode = 1
		}
		r.Stdout = ""
	}
	return r
}

func readFile(req ExecRequest, p string) ([]byte, bool) {
	if req.ReadFile == nil {
		return nil, false
	}
	return req.ReadFile(resolve(p, req.User))
}

func listDir(req ExecRequest, p string) ([]string, bool) {
	if req.ListDir == nil {
		return nil, false
	}
	return req.ListDir(resolve(p, req.User))
}

// splitWords splits on whitespace honouring single and double quotes and
// expands $VAR and ${VAR} outside single quotes.
func splitWords(s string, envs map[string]string) []string {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		pending strings.Builder
	)
	flushPending := func() {
		if pending.Len() > 0 {
			cur.WriteString(expand(pending.String(), envs))
			pending.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case quote == '"':
			if r == '"' {
				flushPending()
				quote = 0
				continue
			}
			pending.WriteRune(r)
		case r == '\'' || r == '"':
			flushPending()
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flushPending()
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			pending.WriteRune(r)
			inWord = true
		}
	}
	flushPending()
	if inWord {
		words = append(words, cur.String())
	}
	return words
}

func expand(s string, envs map[string]string) string {
	return os.Expand(s, func(key string) string { return envs[key] })
}
