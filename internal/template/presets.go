package template

import (
	"fmt"
	"sort"
	"time"
)

// Images used by the presets.
const (
	CodeInterpreterImage = "uhub.service.ucloud.cn/agentbox/code-interpreter:v1"
	DesktopImage         = "uhub.service.ucloud.cn/clientfzzf/e2b-desktop:v2"
)

// Preset is a named template with the resources it is built with.
type Preset struct {
	Name     string
	Alias    string
	CPUCount int
	MemoryMB int
	Template func() *Template
}

// Options returns build options for the preset.
func (p Preset) Options(onLogs func(LogEntry)) BuildOptions {
	return BuildOptions{
		Alias:       p.Alias,
		CPUCount:    p.CPUCount,
		MemoryMB:    p.MemoryMB,
		OnBuildLogs: onLogs,
	}
}

var presets = map[string]Preset{
	"base": {
		Name: "base", Alias: "base", CPUCount: 2, MemoryMB: 512,
		Template: func() *Template { return New().FromBaseImage() },
	},
	"code-interpreter": {
		Name: "code-interpreter", Alias: "code-interpreter-v1", CPUCount: 2, MemoryMB: 2048,
		Template: func() *Template {
			return New().
				FromImage(CodeInterpreterImage).
				SetStartCmd("'/bin/sh' '-c' 'sudo /root/.jupyter/start-up.sh'", WaitForTimeout(25*time.Second))
		},
	},
	"desktop": {
		Name: "desktop", Alias: "desktop", CPUCount: 8, MemoryMB: 8192,
		Template: func() *Template {
			return New(WithFileContext("files")).
				FromImage(DesktopImage).
				SetUser("user").
				SetWorkdir("/home/user")
		},
	},
}

// LookupPreset returns a preset by name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown template type %q (available: %v)", name, PresetNames())
	}
	return p, nil
}

// PresetNames lists the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dockerfile renders the Dockerfile for a template kind. Kinds other than
// desktop render the base image.
func Dockerfile(name string) (string, error) {
	var t *Template
	switch name {
	case "desktop":
		t = New(WithFileContext("files")).FromImage(DesktopImage)
	default:
		t = New().FromBaseImage()
	}
	return t.ToDockerfile()
}
