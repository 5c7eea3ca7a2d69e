package template

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// --- Builder ---

func TestUHubRegistry(t *testing.T) {
	tpl := New().
		FromUHubRegistry(CodeInterpreterImage, "test@ucloud.cn", "test-password").
		RunCmd("pip install numpy")

	if tpl.BaseImage() != CodeInterpreterImage {
		t.Errorf("base image = %q", tpl.BaseImage())
	}
	reg := tpl.Registry()
	if reg == nil || reg.Type != RegistryUHub || reg.Username != "test@ucloud.cn" || reg.Password != "test-password" {
		t.Fatalf("registry = %+v", reg)
	}

	out, err := tpl.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error: %v", err)
	}
	if !strings.Contains(out, CodeInterpreterImage) || !strings.Contains(out, `"uhub"`) {
		t.Errorf("json = %s", out)
	}

	var spec Spec
	if err := sonic.UnmarshalString(out, &spec); err != nil {
		t.Fatal(err)
	}
	if len(spec.Steps) != 1 || spec.Steps[0].Type != InstructionRun || spec.Steps[0].Args[0] != "pip install numpy" {
		t.Errorf("steps = %+v", spec.Steps)
	}
}

func TestFromSwitchesClearRegistry(t *testing.T) {
	tpl := New().FromRegistry("private/img", "u", "p").FromTemplate("base")
	if tpl.Registry() != nil || tpl.BaseImage() != "" || tpl.BaseTemplate() != "base" {
		t.Errorf("template = %+v", tpl)
	}
	aws := New().FromAWSRegistry("123.dkr.ecr/img", "AKIA", "secret", "us-east-1").Registry()
	if aws.Type != RegistryAWS || aws.AWSRegion != "us-east-1" {
		t.Errorf("aws = %+v", aws)
	}
	gcp := New().FromGCPRegistry("gcr.io/img", "{}").Registry()
	if gcp.Type != RegistryGCP || gcp.ServiceAccountJSON != "{}" {
		t.Errorf("gcp = %+v", gcp)
	}
}

func TestSteps(t *testing.T) {
	tpl := New().FromBaseImage().
		AptInstall("curl", "git").
		PipInstall("numpy").
		NpmInstall(true, "typescript").
		GitClone("https://github.com/a/b", GitCloneOptions{Path: "/app", Branch: "main", Depth: 1}).
		MakeDir("/data", 0o755, "").
		Remove("/tmp/x", true, true, "").
		Rename("/a", "/b", false, "user").
		MakeSymlink("/a", "/c", "").
		SetEnvs(map[string]string{"B": "2", "A": "1"})

	want := []string{
		"apt-get update && DEBIAN_FRONTEND=noninteractive DEBCONF_NOWARNINGS=yes apt-get install -y --no-install-recommends curl git",
		"pip install numpy",
		"npm install -g typescript",
		"git clone https://github.com/a/b --branch main --single-branch --depth 1 /app",
		"mkdir -p -m 755 /data",
		"rm -r -f /tmp/x",
		"mv /a /b",
		"ln -s /a /c",
	}
	steps := tpl.Steps()
	if len(steps) != len(want)+1 {
		t.Fatalf("steps = %d", len(steps))
	}
	for i, w := range want {
		if steps[i].Args[0] != w {
			t.Errorf("step %d = %q, want %q", i, steps[i].Args[0], w)
		}
	}
	if steps[0].Args[1] != "root" {
		t.Errorf("apt runs as %v", steps[0].Args)
	}
	if steps[6].Args[1] != "user" {
		t.Errorf("mv runs as %v", steps[6].Args)
	}
	env := steps[len(steps)-1]
	if env.Type != InstructionEnv || strings.Join(env.Args, ",") != "A,1,B,2" {
		t.Errorf("env = %+v", env)
	}
}

func TestSkipCache(t *testing.T) {
	tpl := New().FromBaseImage().RunCmd("a").SkipCache().RunCmd("b")
	steps := tpl.Steps()
	if steps[0].Force || !steps[1].Force {
		t.Errorf("force = %v, %v", steps[0].Force, steps[1].Force)
	}

	whole := New().FromBaseImage().RunCmd("a").SkipCache()
	spec, err := whole.spec(false)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.Force {
		t.Error("trailing SkipCache should force the template")
	}
}

func TestReadyCommands(t *testing.T) {
	tests := []struct {
		got  ReadyCmd
		want string
	}{
		{WaitForPort(8080), "ss -tuln | grep :8080"},
		{WaitForURL("http://localhost:3000", 0), `curl -s -o /dev/null -w "%{http_code}" http://localhost:3000 | grep -q "200"`},
		{WaitForProcess("nginx"), "pgrep nginx > /dev/null"},
		{WaitForFile("/tmp/ready"), "[ -f /tmp/ready ]"},
		{WaitForTimeout(25 * time.Second), "sleep 25"},
		{WaitForTimeout(10 * time.Millisecond), "sleep 1"},
	}
	for _, tt := range tests {
		if string(tt.got) != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

// --- Rendering ---

func TestToDockerfile(t *testing.T) {
	tpl := New().FromImage("python:3.11").
		SetEnvs(map[string]string{"PORT": "80"}).
		SetWorkdir("/app").
		Copy("app.py", "/app/", CopyOptions{}).
		SetStartCmd("python app.py", WaitForPort(80))

	got, err := tpl.ToDockerfile()
	if err != nil {
		t.Fatalf("ToDockerfile() error: %v", err)
	}
	want := "FROM python:3.11\nENV PORT=80\nWORKDIR /app\nCOPY app.py /app/\nENTRYPOINT python app.py\n"
	if got != want {
		t.Errorf("ToDockerfile() =\n%s\nwant\n%s", got, want)
	}

	if _, err := New().FromTemplate("base").ToDockerfile(); err == nil {
		t.Error("expected error for template-based template")
	}
	if _, err := New().ToDockerfile(); !errors.Is(err, ErrNoBase) {
		t.Errorf("error = %v, want ErrNoBase", err)
	}
}

func TestPresetDockerfile(t *testing.T) {
	got, err := Dockerfile("base")
	if err != nil || got != "FROM e2bdev/base\n" {
		t.Errorf("Dockerfile(base) = %q, %v", got, err)
	}
	got, _ = Dockerfile("desktop")
	if got != "FROM "+DesktopImage+"\n" {
		t.Errorf("Dockerfile(desktop) = %q", got)
	}
	if _, err := LookupPreset("nope"); err == nil {
		t.Error("expected unknown preset error")
	}
	p, err := LookupPreset("code-interpreter")
	if err != nil || p.Alias != "code-interpreter-v1" || p.MemoryMB != 2048 {
		t.Errorf("preset = %+v, %v", p, err)
	}
	if _, ready := p.Template().StartCmd(); ready != "sleep 25" {
		t.Errorf("ready = %q", ready)
	}
}

func TestFromDockerfile(t *testing.T) {
	df := `
FROM python:3.11-slim

ENV APP_ENV=prod LOG_LEVEL=debug
ARG VERSION=1.0
RUN pip install numpy
COPY --chown=user requirements.txt setup.py /app/
WORKDIR /home/user
CMD ["python", "-m", "http.server"]
`
	tpl, err := New().FromDockerfile(strings.NewReader(df))
	if err != nil {
		t.Fatalf("FromDockerfile() error: %v", err)
	}
	if tpl.BaseImage() != "python:3.11-slim" {
		t.Errorf("base = %q", tpl.BaseImage())
	}

	var kinds []string
	for _, s := range tpl.Steps() {
		kinds = append(kinds, string(s.Type)+":"+strings.Join(s.Args, "|"))
	}
	want := []string{
		"USER:root",
		"WORKDIR:/",
		"ENV:APP_ENV|prod|LOG_LEVEL|debug",
		"ENV:VERSION|1.0",
		"RUN:pip install numpy",
		"COPY:requirements.txt|/app/|user|",
		"COPY:setup.py|/app/|user|",
		"WORKDIR:/home/user",
		"USER:user",
	}
	if strings.Join(kinds, "\n") != strings.Join(want, "\n") {
		t.Errorf("steps =\n%s\nwant\n%s", strings.Join(kinds, "\n"), strings.Join(want, "\n"))
	}
	start, ready := tpl.StartCmd()
	if start != "python -m http.server" || ready != "sleep 20" {
		t.Errorf("start = %q, ready = %q", start, ready)
	}

	if _, err := New().FromDockerfile(strings.NewReader("RUN echo hi\n")); !errors.Is(err, ErrNoBase) {
		t.Errorf("missing FROM error = %v", err)
	}
}

func TestFromDockerfile_InstructionCase(t *testing.T) {
	tests := []struct {
		name string
		df   string
	}{
		{"upper", "FROM python:3.11-slim\nRUN pip install numpy\nWORKDIR /app\n"},
		{"lower", "from python:3.11-slim\nrun pip install numpy\nworkdir /app\n"},
		{"mixed", "From python:3.11-slim\nRun pip install numpy\nWorkDir /app\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := New().FromDockerfile(strings.NewReader(tt.df))
			if err != nil {
				t.Fatalf("FromDockerfile() error: %v", err)
			}
			if tpl.BaseImage() != "python:3.11-slim" {
				t.Errorf("base = %q", tpl.BaseImage())
			}
			var kinds []string
			for _, s := range tpl.Steps() {
				kinds = append(kinds, string(s.Type)+":"+strings.Join(s.Args, "|"))
			}
			want := "USER:root,WORKDIR:/,RUN:pip install numpy,WORKDIR:/app,USER:user"
			if got := strings.Join(kinds, ","); got != want {
				t.Errorf("steps = %s, want %s", got, want)
			}
		})
	}
}

// --- File context ---

func writeContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"app/main.py":     "print('hi')\n",
		"app/util.py":     "x = 1\n",
		"app/cache/x.pyc": "junk",
		"app/secret.env":  "TOKEN=1",
		".dockerignore":   "app/cache\n",
		"README.md":       "readme",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestFileContext(t *testing.T) {
	dir := writeContext(t)
	tpl := New(WithFileContext(dir), WithIgnorePatterns("**/*.env"))
	fc, err := tpl.fileContext()
	if err != nil {
		t.Fatal(err)
	}

	files, err := fc.files("app")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(files, ",") != "app/main.py,app/util.py" {
		t.Errorf("files = %v", files)
	}

	h1, err := fc.hash("app", "/app")
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := fc.hash("app", "/app")
	h3, _ := fc.hash("app", "/srv")
	if h1 != h2 || h1 == h3 || len(h1) != 64 {
		t.Errorf("hashes = %s %s %s", h1, h2, h3)
	}

	if err := os.WriteFile(filepath.Join(dir, "app", "util.py"), []byte("x = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if h4, _ := fc.hash("app", "/app"); h4 == h1 {
		t.Error("hash did not change with content")
	}

	if _, err := fc.files("missing/*"); err == nil {
		t.Error("expected error for unmatched source")
	}
}

func TestArchive(t *testing.T) {
	dir := writeContext(t)
	fc, err := New(WithFileContext(dir)).fileContext()
	if err != nil {
		t.Fatal(err)
	}
	var buf strings.Builder
	if err := fc.archive(&buf, "app/*.py"); err != nil {
		t.Fatalf("archive() error: %v", err)
	}

	gz, err := gzip.NewReader(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "app/main.py,app/util.py" {
		t.Errorf("archive entries = %v", names)
	}
}
