package template

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// ErrNoBase is returned when a template has neither a base image nor a base
// template.
var ErrNoBase = errors.New("template has no base image or template")

// Spec is the build API representation of a template.
type Spec struct {
	FromImage         string          `json:"fromImage,omitempty"`
	FromTemplate      string          `json:"fromTemplate,omitempty"`
	FromImageRegistry *RegistryConfig `json:"fromImageRegistry,omitempty"`
	StartCmd          string          `json:"startCmd,omitempty"`
	ReadyCmd          string          `json:"readyCmd,omitempty"`
	Force             bool            `json:"force"`
	Steps             []Instruction   `json:"steps"`
}

// spec builds the API representation. When withHashes is set, COPY steps
// carry the hash of their sources.
func (t *Template) spec(withHashes bool) (*Spec, error) {
	if t.baseImage == "" && t.baseTemplate == "" {
		return nil, ErrNoBase
	}
	s := &Spec{
		FromImage:         t.baseImage,
		FromTemplate:      t.baseTemplate,
		FromImageRegistry: t.registry,
		StartCmd:          t.startCmd,
		ReadyCmd:          t.readyCmd,
		Force:             t.force || t.forceNextLayer,
		Steps:             t.Steps(),
	}
	if s.Steps == nil {
		s.Steps = []Instruction{}
	}
	if !withHashes {
		return s, nil
	}
	var fc *fileContext
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Type != InstructionCopy {
			continue
		}
		if fc == nil {
			var err error
			if fc, err = t.fileContext(); err != nil {
				return nil, err
			}
		}
		hash, err := fc.hash(step.Args[0], step.Args[1])
		if err != nil {
			return nil, fmt.Errorf("hashing COPY %s: %w", step.Args[0], err)
		}
		step.FilesHash = hash
	}
	return s, nil
}

// ToJSON renders the template as build API JSON, including the hashes of
// COPY sources.
func (t *Template) ToJSON() (string, error) {
	s, err := t.spec(true)
	if err != nil {
		return "", err
	}
	data, err := sonic.ConfigDefault.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling template: %w", err)
	}
	return string(data), nil
}

// ToDockerfile renders the template as a Dockerfile. Templates based on
// another template have no Dockerfile form.
func (t *Template) ToDockerfile() (string, error) {
	if t.baseTemplate != "" {
		return "", errors.New("a template based on another template cannot be converted to a Dockerfile")
	}
	if t.baseImage == "" {
		return "", ErrNoBase
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", t.baseImage)
	for _, step := range t.steps {
		switch step.Type {
		case InstructionRun:
			fmt.Fprintf(&b, "RUN %s\n", step.Args[0])
		case InstructionCopy:
			fmt.Fprintf(&b, "COPY %s %s\n", step.Args[0], step.Args[1])
		case InstructionEnv:
			pairs := make([]string, 0, len(step.Args)/2)
			for i := 0; i+1 < len(step.Args); i += 2 {
				pairs = append(pairs, step.Args[i]+"="+step.Args[i+1])
			}
			fmt.Fprintf(&b, "ENV %s\n", strings.Join(pairs, " "))
		default:
			fmt.Fprintf(&b, "%s %s\n", step.Type, strings.Join(step.Args, " "))
		}
	}
	if t.startCmd != "" {
		fmt.Fprintf(&b, "ENTRYPOINT %s\n", t.startCmd)
	}
	return b.String(), nil
}

// FromDockerfile parses a Dockerfile and converts its instructions into
// template steps. The last FROM wins. Templates default to user "user" in
// /home/user unless the Dockerfile sets them.
func (t *Template) FromDockerfile(r io.Reader) (*Template, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing Dockerfile: %w", err)
	}

	t.SetUser("root").SetWorkdir("/")
	var userSet, workdirSet bool
	for _, node := range res.AST.Children {
		args := nodeArgs(node)
		switch strings.ToLower(node.Value) {
		case "from":
			if len(args) == 0 {
				return nil, fmt.Errorf("line %d: FROM needs an image", node.StartLine)
			}
			t.baseImage = args[0]
			t.baseTemplate = ""
		case "run":
			t.RunCmd(strings.Join(args, " "))
		case "copy", "add":
			if len(args) < 2 {
				return nil, fmt.Errorf("line %d: %s needs a source and a destination", node.StartLine, strings.ToUpper(node.Value))
			}
			user := flagValue(node.Flags, "--chown")
			dest := args[len(args)-1]
			for _, src := range args[:len(args)-1] {
				t.Copy(src, dest, CopyOptions{User: user})
			}
		case "workdir":
			if len(args) > 0 {
				t.SetWorkdir(args[0])
				workdirSet = true
			}
		case "user":
			if len(args) > 0 {
				t.SetUser(args[0])
				userSet = true
			}
		case "env":
			t.SetEnvs(envPairs(args))
		case "arg":
			envs := make(map[string]string)
			for _, a := range args {
				if k, v, ok := strings.Cut(a, "="); ok {
					envs[k] = v
				}
			}
			t.SetEnvs(envs)
		case "cmd", "entrypoint":
			t.SetStartCmd(strings.Join(args, " "), WaitForTimeout(20*time.Second))
		}
	}
	if t.baseImage == "" {
		return nil, fmt.Errorf("parsing Dockerfile: %w", ErrNoBase)
	}
	if !userSet {
		t.SetUser("user")
	}
	if !workdirSet {
		t.SetWorkdir("/home/user")
	}
	return t, nil
}

// nodeArgs flattens the argument list of an instruction node.
func nodeArgs(n *parser.Node) []string {
	var args []string
	for next := n.Next; next != nil; next = next.Next {
		args = append(args, next.Value)
	}
	return args
}

// envPairs reads ENV arguments, which the parser emits as key, value,
// separator triples.
func envPairs(args []string) map[string]string {
	envs := make(map[string]string)
	for i := 0; i+1 < len(args); i += 3 {
		envs[args[i]] = args[i+1]
	}
	return envs
}

func flagValue(flags []string, name string) string {
	for _, f := range flags {
		if v, ok := strings.CutPrefix(f, name+"="); ok {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
