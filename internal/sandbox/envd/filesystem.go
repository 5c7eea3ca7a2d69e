package envd

import "time"

// Filesystem service procedures.
const (
	FilesystemStat     = "/filesystem.Filesystem/Stat"
	FilesystemMakeDir  = "/filesystem.Filesystem/MakeDir"
	FilesystemMove     = "/filesystem.Filesystem/Move"
	FilesystemListDir  = "/filesystem.Filesystem/ListDir"
	FilesystemRemove   = "/filesystem.Filesystem/Remove"
	FilesystemWatchDir = "/filesystem.Filesystem/WatchDir"
)

// FileType enum names.
const (
	FileTypeFile      = "FILE_TYPE_FILE"
	FileTypeDirectory = "FILE_TYPE_DIRECTORY"
)

// EventType enum names.
const (
	EventTypeCreate = "EVENT_TYPE_CREATE"
	EventTypeWrite  = "EVENT_TYPE_WRITE"
	EventTypeRemove = "EVENT_TYPE_REMOVE"
	EventTypeRename = "EVENT_TYPE_RENAME"
	EventTypeChmod  = "EVENT_TYPE_CHMOD"
)

type EntryInfo struct {
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Path          string     `json:"path"`
	Size          Int64      `json:"size"`
	Mode          uint32     `json:"mode"`
	Permissions   string     `json:"permissions"`
	Owner         string     `json:"owner"`
	Group         string     `json:"group"`
	ModifiedTime  *time.Time `json:"modifiedTime,omitempty"`
	SymlinkTarget *string    `json:"symlinkTarget,omitempty"`
}

type StatRequest struct {
	Path string `json:"path"`
}

type StatResponse struct {
	Entry *EntryInfo `json:"entry"`
}

type MakeDirRequest struct {
	Path string `json:"path"`
}

type MakeDirResponse struct {
	Entry *EntryInfo `json:"entry"`
}

type MoveRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type MoveResponse struct {
	Entry *EntryInfo `json:"entry"`
}

type ListDirRequest struct {
	Path  string `json:"path"`
	Depth uint32 `json:"depth"`
}

type ListDirResponse struct {
	Entries []EntryInfo `json:"entries,omitempty"`
}

type RemoveRequest struct {
	Path string `json:"path"`
}

type RemoveResponse struct{}

type WatchDirRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type FilesystemEvent struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type WatchStartEvent struct{}

// WatchDirResponse is a oneof: exactly one field is set.
type WatchDirResponse struct {
	Start      *WatchStartEvent `json:"start,omitempty"`
	Filesystem *FilesystemEvent `json:"filesystem,omitempty"`
	KeepAlive  *KeepAlive       `json:"keepalive,omitempty"`
}

// FileWriteInfo is one element of the /files upload response.
type FileWriteInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}
