// Package template builds sandbox templates: a declarative description of a
// base image plus build steps that the platform turns into a template. It
// renders templates to the build API JSON and to Dockerfiles, hashes and
// uploads COPY contexts and polls builds until they finish.
package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseImage is the image FromBaseImage starts from.
const DefaultBaseImage = "e2bdev/base"

// InstructionType is the kind of a build step.
type InstructionType string

const (
	InstructionCopy    InstructionType = "COPY"
	InstructionEnv     InstructionType = "ENV"
	InstructionRun     InstructionType = "RUN"
	InstructionWorkdir InstructionType = "WORKDIR"
	InstructionUser    InstructionType = "USER"
)

// Instruction is one build step.
type Instruction struct {
	Type        InstructionType `json:"type"`
	Args        []string        `json:"args"`
	Force       bool            `json:"force"`
	ForceUpload *bool           `json:"forceUpload,omitempty"`
	FilesHash   string          `json:"filesHash,omitempty"`
}

// RegistryType identifies the credentials scheme of a private registry.
type RegistryType string

const (
	RegistryGeneric RegistryType = "registry"
	RegistryUHub    RegistryType = "uhub"
	RegistryAWS     RegistryType = "aws"
	RegistryGCP     RegistryType = "gcp"
)

// RegistryConfig holds the credentials used to pull the base image.
type RegistryConfig struct {
	Type               RegistryType `json:"type"`
	Username           string       `json:"username,omitempty"`
	Password           string       `json:"password,omitempty"`
	AWSAccessKeyID     string       `json:"awsAccessKeyId,omitempty"`
	AWSSecretAccessKey string       `json:"awsSecretAccessKey,omitempty"`
	AWSRegion          string       `json:"awsRegion,omitempty"`
	ServiceAccountJSON string       `json:"serviceAccountJson,omitempty"`
}

// Template is a template definition. Builder methods mutate the template
// and return it for chaining.
type Template struct {
	fileContextPath string
	ignorePatterns  []string

	baseImage    string
	baseTemplate string
	registry     *RegistryConfig

	steps          []Instruction
	startCmd       string
	readyCmd       string
	force          bool
	forceNextLayer bool
}

// Option configures New.
type Option func(*Template)

// WithFileContext sets the directory COPY sources are resolved against.
// Defaults to the working directory.
func WithFileContext(path string) Option {
	return func(t *Template) { t.fileContextPath = path }
}

// WithIgnorePatterns excludes files from COPY contexts, in .dockerignore
// syntax. Patterns from a .dockerignore in the context are always applied.
func WithIgnorePatterns(patterns ...string) Option {
	return func(t *Template) { t.ignorePatterns = append(t.ignorePatterns, patterns...) }
}

// New returns an empty template. A base must be set with one of the From
// methods before it can be built.
func New(opts ...Option) *Template {
	t := &Template{fileContextPath: "."}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// --- Base ---

// FromImage starts from a public image.
func (t *Template) FromImage(image string) *Template {
	t.baseImage = image
	t.baseTemplate = ""
	t.registry = nil
	return t
}

// FromBaseImage starts from the platform base image.
func (t *Template) FromBaseImage() *Template {
	return t.FromImage(DefaultBaseImage)
}

// FromTemplate starts from an existing template.
func (t *Template) FromTemplate(template string) *Template {
	t.baseTemplate = template
	t.baseImage = ""
	t.registry = nil
	return t
}

// FromRegistry starts from an image in a private registry.
func (t *Template) FromRegistry(image, username, password string) *Template {
	t.FromImage(image)
	t.registry = &RegistryConfig{Type: RegistryGeneric, Username: username, Password: password}
	return t
}

// FromUHubRegistry starts from an image in a UCloud UHub registry.
func (t *Template) FromUHubRegistry(image, username, password string) *Template {
	t.FromImage(image)
	t.registry = &RegistryConfig{Type: RegistryUHub, Username: username, Password: password}
	return t
}

// FromAWSRegistry starts from an image in Amazon ECR.
func (t *Template) FromAWSRegistry(image, accessKeyID, secretAccessKey, region string) *Template {
	t.FromImage(image)
	t.registry = &RegistryConfig{
		Type:               RegistryAWS,
		AWSAccessKeyID:     accessKeyID,
		AWSSecretAccessKey: secretAccessKey,
		AWSRegion:          region,
	}
	return t
}

// FromGCPRegistry starts from an image in Google Artifact Registry.
func (t *Template) FromGCPRegistry(image, serviceAccountJSON string) *Template {
	t.FromImage(image)
	t.registry = &RegistryConfig{Type: RegistryGCP, ServiceAccountJSON: serviceAccountJSON}
	return t
}

// BaseImage returns the base image, if the template starts from one.
func (t *Template) BaseImage() string { return t.baseImage }

// BaseTemplate returns the base template, if the template starts from one.
func (t *Template) BaseTemplate() string { return t.baseTemplate }

// Registry returns the registry credentials, or nil for public images.
func (t *Template) Registry() *RegistryConfig { return t.registry }

// Steps returns a copy of the build steps.
func (t *Template) Steps() []Instruction {
	return append([]Instruction(nil), t.steps...)
}

// StartCmd returns the start and ready commands.
func (t *Template) StartCmd() (start, ready string) { return t.startCmd, t.readyCmd }

// --- Steps ---

func (t *Template) add(in Instruction) *Template {
	if t.forceNextLayer {
		in.Force = true
		t.forceNextLayer = false
	}
	t.steps = append(t.steps, in)
	return t
}

// SkipCache forces the next step to be rebuilt, which invalidates the cache
// of every later step. Called after the last step, it forces the whole
// template.
func (t *Template) SkipCache() *Template {
	t.forceNextLayer = true
	return t
}

// SetUser sets the user for the following steps and the sandbox.
func (t *Template) SetUser(user string) *Template {
	return t.add(Instruction{Type: InstructionUser, Args: []string{user}})
}

// SetWorkdir sets the working directory for the following steps.
func (t *Template) SetWorkdir(path string) *Template {
	return t.add(Instruction{Type: InstructionWorkdir, Args: []string{path}})
}

// SetEnvs sets environment variables for the following steps and the
// sandbox. Keys are emitted in sorted order.
func (t *Template) SetEnvs(envs map[string]string) *Template {
	if len(envs) == 0 {
		return t
	}
	args := make([]string, 0, 2*len(envs))
	for _, k := range sortedKeys(envs) {
		args = append(args, k, envs[k])
	}
	return t.add(Instruction{Type: InstructionEnv, Args: args})
}

// RunCmd runs a shell command. Several commands are joined with &&.
func (t *Template) RunCmd(cmd string, more ...string) *Template {
	return t.RunCmdAs("", append([]string{cmd}, more...)...)
}

// RunCmdAs runs commands as user. An empty user keeps the current one.
func (t *Template) RunCmdAs(user string, cmds ...string) *Template {
	args := []string{strings.Join(cmds, " && ")}
	if user != "" {
		args = append(args, user)
	}
	return t.add(Instruction{Type: InstructionRun, Args: args})
}

// CopyOptions tune Copy.
type CopyOptions struct {
	User string
	// Mode is applied to the copied files when non-zero.
	Mode        uint32
	ForceUpload bool
}

// Copy copies src from the file context to dest in the image. src may be a
// file, a directory or a glob.
func (t *Template) Copy(src, dest string, opts CopyOptions) *Template {
	mode := ""
	if opts.Mode != 0 {
		mode = "0" + strconv.FormatUint(uint64(opts.Mode), 8)
	}
	in := Instruction{Type: InstructionCopy, Args: []string{src, dest, opts.User, mode}}
	if opts.ForceUpload {
		force := true
		in.ForceUpload = &force
	}
	return t.add(in)
}

// AptInstall installs Debian packages as root.
func (t *Template) AptInstall(packages ...string) *Template {
	return t.RunCmdAs("root",
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive DEBCONF_NOWARNINGS=yes apt-get install -y --no-install-recommends "+strings.Join(packages, " "),
	)
}

// PipInstall installs Python packages system-wide. With no packages it
// installs the project in the working directory.
func (t *Template) PipInstall(packages ...string) *Template {
	if len(packages) == 0 {
		packages = []string{"."}
	}
	return t.RunCmdAs("root", "pip install "+strings.Join(packages, " "))
}

// NpmInstall installs Node packages, globally when global is set.
func (t *Template) NpmInstall(global bool, packages ...string) *Template {
	cmd := "npm install"
	if global {
		cmd += " -g"
	}
	if len(packages) > 0 {
		cmd += " " + strings.Join(packages, " ")
	}
	if global {
		return t.RunCmdAs("root", cmd)
	}
	return t.RunCmd(cmd)
}

// GitCloneOptions tune GitClone.
type GitCloneOptions struct {
	Path   string
	Branch string
	Depth  int
	User   string
}

// GitClone clones a repository.
func (t *Template) GitClone(url string, opts GitCloneOptions) *Template {
	args := []string{"git clone", url}
	if opts.Branch != "" {
		args = append(args, "--branch "+opts.Branch, "--single-branch")
	}
	if opts.Depth > 0 {
		args = append(args, "--depth "+strconv.Itoa(opts.Depth))
	}
	if opts.Path != "" {
		args = append(args, opts.Path)
	}
	return t.RunCmdAs(opts.User, strings.Join(args, " "))
}

// MakeDir creates a directory and its parents. Mode is ignored when zero.
func (t *Template) MakeDir(path string, mode uint32, user string) *Template {
	cmd := "mkdir -p"
	if mode != 0 {
		cmd += " -m " + strconv.FormatUint(uint64(mode), 8)
	}
	return t.RunCmdAs(user, cmd+" "+path)
}

// Remove deletes a path.
func (t *Template) Remove(path string, recursive, force bool, user string) *Template {
	cmd := "rm"
	if recursive {
		cmd += " -r"
	}
	if force {
		cmd += " -f"
	}
	return t.RunCmdAs(user, cmd+" "+path)
}

// Rename moves src to dest.
func (t *Template) Rename(src, dest string, force bool, user string) *Template {
	cmd := "mv"
	if force {
		cmd += " -f"
	}
	return t.RunCmdAs(user, cmd+" "+src+" "+dest)
}

// MakeSymlink links dest to src.
func (t *Template) MakeSymlink(src, dest, user string) *Template {
	return t.RunCmdAs(user, "ln -s "+src+" "+dest)
}

// --- Start ---

// SetStartCmd sets the command started when a sandbox boots, and the
// command that reports it ready.
func (t *Template) SetStartCmd(cmd string, ready ReadyCmd) *Template {
	t.startCmd = cmd
	t.readyCmd = string(ready)
	return t
}

// SetReadyCmd sets only the readiness check.
func (t *Template) SetReadyCmd(ready ReadyCmd) *Template {
	t.readyCmd = string(ready)
	return t
}

// ReadyCmd is a shell command that exits 0 once the sandbox is ready.
type ReadyCmd string

// WaitForPort is ready once something listens on port.
func WaitForPort(port int) ReadyCmd {
	return ReadyCmd(fmt.Sprintf("ss -tuln | grep :%d", port))
}

// WaitForURL is ready once url answers with status.
func WaitForURL(url string, status int) ReadyCmd {
	if status == 0 {
		status = 200
	}
	return ReadyCmd(fmt.Sprintf(`curl -s -o /dev/null -w "%%{http_code}" %s | grep -q "%d"`, url, status))
}

// WaitForProcess is ready once a process named name runs.
func WaitForProcess(name string) ReadyCmd {
	return ReadyCmd(fmt.Sprintf("pgrep %s > /dev/null", name))
}

// WaitForFile is ready once path exists.
func WaitForFile(path string) ReadyCmd {
	return ReadyCmd(fmt.Sprintf("[ -f %s ]", path))
}

// WaitForTimeout is ready after d, rounded down to whole seconds with a
// minimum of one.
func WaitForTimeout(d time.Duration) ReadyCmd {
	secs := max(int(d/time.Second), 1)
	return ReadyCmd(fmt.Sprintf("sleep %d", secs))
}
