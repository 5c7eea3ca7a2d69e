package envd

// Process service procedures.
const (
	ProcessStart      = "/process.Process/Start"
	ProcessConnect    = "/process.Process/Connect"
	ProcessList       = "/process.Process/List"
	ProcessSendInput  = "/process.Process/SendInput"
	ProcessSendSignal = "/process.Process/SendSignal"
	ProcessUpdate     = "/process.Process/Update"
	ProcessCloseStdin = "/process.Process/CloseStdin"
)

// Signal names as encoded by protobuf JSON.
const (
	SignalSIGTERM = "SIGNAL_SIGTERM"
	SignalSIGKILL = "SIGNAL_SIGKILL"
)

type PTYSize struct {
	Cols uint32 `json:"cols"`
	Rows uint32 `json:"rows"`
}

type PTY struct {
	Size *PTYSize `json:"size,omitempty"`
}

type ProcessConfig struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Envs map[string]string `json:"envs,omitempty"`
	Cwd  *string           `json:"cwd,omitempty"`
}

// ProcessSelector picks a process by pid or by tag.
type ProcessSelector struct {
	PID uint32 `json:"pid,omitempty"`
	Tag string `json:"tag,omitempty"`
}

type ProcessInfo struct {
	Config *ProcessConfig `json:"config,omitempty"`
	PID    uint32         `json:"pid"`
	Tag    *string        `json:"tag,omitempty"`
}

type StartRequest struct {
	Process *ProcessConfig `json:"process"`
	PTY     *PTY           `json:"pty,omitempty"`
	Tag     *string        `json:"tag,omitempty"`
	Stdin   *bool          `json:"stdin,omitempty"`
}

type ConnectRequest struct {
	Process *ProcessSelector `json:"process"`
}

type ListRequest struct{}

type ListResponse struct {
	Processes []ProcessInfo `json:"processes,omitempty"`
}

// ProcessInput carries either stdin or PTY bytes.
type ProcessInput struct {
	Stdin []byte `json:"stdin,omitempty"`
	PTY   []byte `json:"pty,omitempty"`
}

type SendInputRequest struct {
	Process *ProcessSelector `json:"process"`
	Input   *ProcessInput    `json:"input"`
}

type SendInputResponse struct{}

type SendSignalRequest struct {
	Process *ProcessSelector `json:"process"`
	Signal  string           `json:"signal"`
}

type SendSignalResponse struct{}

type UpdateRequest struct {
	Process *ProcessSelector `json:"process"`
	PTY     *PTY             `json:"pty,omitempty"`
}

type UpdateResponse struct{}

type CloseStdinRequest struct {
	Process *ProcessSelector `json:"process"`
}

type CloseStdinResponse struct{}

type StartEvent struct {
	PID uint32 `json:"pid"`
}

// DataEvent carries exactly one of the output streams.
type DataEvent struct {
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
	PTY    []byte `json:"pty,omitempty"`
}

type EndEvent struct {
	ExitCode int32   `json:"exitCode"`
	Exited   bool    `json:"exited"`
	Status   string  `json:"status,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// ProcessEvent is a oneof: exactly one field is set.
type ProcessEvent struct {
	Start     *StartEvent `json:"start,omitempty"`
	Data      *DataEvent  `json:"data,omitempty"`
	End       *EndEvent   `json:"end,omitempty"`
	KeepAlive *KeepAlive  `json:"keepalive,omitempty"`
}

// ProcessEventResponse is the message type of both the Start and the Connect
// streams.
type ProcessEventResponse struct {
	Event ProcessEvent `json:"event"`
}
