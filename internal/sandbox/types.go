package sandbox

import "time"

// SandboxState is the lifecycle state reported by the control plane.
type SandboxState string

const (
	StateRunning SandboxState = "running"
	StatePaused  SandboxState = "paused"
)

// SandboxInfo describes a sandbox as seen by the control plane.
type SandboxInfo struct {
	SandboxID   string            `json:"sandboxID"`
	TemplateID  string            `json:"templateID"`
	Alias       string            `json:"alias,omitempty"`
	ClientID    string            `json:"clientID,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	EndAt       time.Time         `json:"endAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	State       SandboxState      `json:"state"`
	CPUCount    int               `json:"cpuCount"`
	MemoryMB    int               `json:"memoryMB"`
	DiskSizeMB  int               `json:"diskSizeMB,omitempty"`
	EnvdVersion string            `json:"envdVersion,omitempty"`
}

// SandboxMetrics is one resource usage sample.
type SandboxMetrics struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUCount   int       `json:"cpuCount"`
	CPUUsedPct float64   `json:"cpuUsedPct"`
	MemUsed    int64     `json:"memUsed"`
	MemTotal   int64     `json:"memTotal"`
	DiskUsed   int64     `json:"diskUsed"`
	DiskTotal  int64     `json:"diskTotal"`
}

// LogEntry is a single line of sandbox log output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// CreateParams configures a new sandbox.
type CreateParams struct {
	Template  string
	Timeout   time.Duration
	Metadata  map[string]string
	Envs      map[string]string
	Secure    *bool
	AutoPause bool
	// AllowInternetAccess defaults to true when nil.
	AllowInternetAccess *bool
}

// ListQuery filters the sandbox listing.
type ListQuery struct {
	State    []SandboxState
	Metadata map[string]string
	Limit    int
}

// FileType is the kind of a filesystem entry.
type FileType string

const (
	FileTypeFile FileType = "file"
	FileTypeDir  FileType = "dir"
)

// EntryInfo describes a file or directory inside the sandbox.
type EntryInfo struct {
	Name          string
	Type          FileType
	Path          string
	Size          int64
	Mode          uint32
	Permissions   string
	Owner         string
	Group         string
	ModifiedTime  time.Time
	SymlinkTarget string
}

// WriteInfo is returned for each file written.
type WriteInfo struct {
	Name string   `json:"name"`
	Type FileType `json:"type"`
	Path string   `json:"path"`
}

// WriteEntry is one file of a batch write.
type WriteEntry struct {
	Path string
	Data []byte
}

// FilesystemEventType names a change seen by a directory watch.
type FilesystemEventType string

const (
	EventCreate FilesystemEventType = "create"
	EventWrite  FilesystemEventType = "write"
	EventRemove FilesystemEventType = "remove"
	EventRename FilesystemEventType = "rename"
	EventChmod  FilesystemEventType = "chmod"
)

// FilesystemEvent is one change reported by WatchDir.
type FilesystemEvent struct {
	Name string
	Type FilesystemEventType
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}

// ProcessInfo describes a running process.
type ProcessInfo struct {
	PID  uint32
	Tag  string
	Cmd  string
	Args []string
	Envs map[string]string
	Cwd  string
}

// PtySize is a terminal size in character cells.
type PtySize struct {
	Cols uint32
	Rows uint32
}
