package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/bytedance/sonic"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

// Filesystem reads and writes files inside the sandbox.
type Filesystem struct {
	envd *envdConn
}

type fsOptions struct {
	user      string
	depth     uint32
	recursive bool
}

// FilesystemOption configures filesystem calls.
type FilesystemOption func(*fsOptions)

// AsUser runs the filesystem operation as the given OS user.
func AsUser(user string) FilesystemOption {
	return func(o *fsOptions) { o.user = user }
}

// WithDepth sets how many directory levels List descends. Defaults to 1.
func WithDepth(depth uint32) FilesystemOption {
	return func(o *fsOptions) { o.depth = depth }
}

// Recursive makes WatchDir report changes in subdirectories.
func Recursive() FilesystemOption {
	return func(o *fsOptions) { o.recursive = true }
}

func newFSOptions(opts []FilesystemOption) *fsOptions {
	o := &fsOptions{depth: 1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func checkPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return invalidArgument("path is required")
	}
	return nil
}

// ReadStream opens a file for reading. The caller closes the reader.
func (f *Filesystem) ReadStream(ctx context.Context, path string, opts ...FilesystemOption) (io.ReadCloser, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	o := newFSOptions(opts)

	query := url.Values{"path": {path}}
	if o.user != "" {
		query.Set("username", o.user)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.envd.baseURL+"/files?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	f.envd.setHeaders(req.Header, o.user)

	resp, err := f.envd.cfg.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("reading %s: %w", path, newAPIError(resp.StatusCode, body))
	}
	return resp.Body, nil
}

// Read returns the content of a file.
func (f *Filesystem) Read(ctx context.Context, path string, opts ...FilesystemOption) ([]byte, error) {
	rc, err := f.ReadStream(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// ReadText returns the content of a file as a string.
func (f *Filesystem) ReadText(ctx context.Context, path string, opts ...FilesystemOption) (string, error) {
	data, err := f.Read(ctx, path, opts...)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write creates or overwrites a file, creating parent directories as needed.
func (f *Filesystem) Write(ctx context.Context, path string, data []byte, opts ...FilesystemOption) (*WriteInfo, error) {
	return f.WriteStream(ctx, path, bytes.NewReader(data), opts...)
}

// WriteStream uploads a file from a reader.
func (f *Filesystem) WriteStream(ctx context.Context, path string, r io.Reader, opts ...FilesystemOption) (*WriteInfo, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	infos, err := f.upload(ctx, path, []namedReader{{path: path, r: r}}, newFSOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	if len(infos) == 0 {
		return &WriteInfo{Name: baseName(path), Type: FileTypeFile, Path: path}, nil
	}
	return &infos[0], nil
}

// WriteFiles uploads several files in one request.
func (f *Filesystem) WriteFiles(ctx context.Context, files []WriteEntry, opts ...FilesystemOption) ([]WriteInfo, error) {
	if len(files) == 0 {
		return nil, nil
	}
	parts := make([]namedReader, 0, len(files))
	for _, file := range files {
		if err := checkPath(file.Path); err != nil {
			return nil, err
		}
		parts = append(parts, namedReader{path: file.Path, r: bytes.NewReader(file.Data)})
	}
	infos, err := f.upload(ctx, "", parts, newFSOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("writing %d files: %w", len(files), err)
	}
	return infos, nil
}

type namedReader struct {
	path string
	r    io.Reader
}

// upload streams a multipart body. With a single target path the path goes in
// the query; for batches each part's file name carries its path.
func (f *Filesystem) upload(ctx context.Context, path string, parts []namedReader, o *fsOptions) ([]WriteInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for _, p := range parts {
			fw, err := mw.CreateFormFile("file", p.path)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(fw, p.r); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	query := url.Values{}
	if path != "" {
		query.Set("path", path)
	}
	if o.user != "" {
		query.Set("username", o.user)
	}
	u := f.envd.baseURL + "/files"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	f.envd.setHeaders(req.Header, o.user)

	resp, err := f.envd.cfg.httpClient().Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newAPIError(resp.StatusCode, body)
	}

	var infos []envd.FileWriteInfo
	if len(bytes.TrimSpace(body)) > 0 {
		if err := sonic.Unmarshal(body, &infos); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
	}
	out := make([]WriteInfo, 0, len(infos))
	for _, i := range infos {
		out = append(out, WriteInfo{Name: i.Name, Type: writeType(i.Type), Path: i.Path})
	}
	return out, nil
}

// List returns the entries of a directory.
func (f *Filesystem) List(ctx context.Context, path string, opts ...FilesystemOption) ([]EntryInfo, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	o := newFSOptions(opts)
	if o.depth < 1 {
		return nil, invalidArgument("depth must be at least 1")
	}
	req := &envd.ListDirRequest{Path: path, Depth: o.depth}
	resp, err := callUnary[envd.ListDirRequest, envd.ListDirResponse](ctx, f.envd, envd.FilesystemListDir, req, o.user)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	entries := make([]EntryInfo, 0, len(resp.Entries))
	for i := range resp.Entries {
		entries = append(entries, toEntryInfo(&resp.Entries[i]))
	}
	return entries, nil
}

// Exists reports whether a path exists.
func (f *Filesystem) Exists(ctx context.Context, path string, opts ...FilesystemOption) (bool, error) {
	_, err := f.GetInfo(ctx, path, opts...)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetInfo returns metadata of a file or directory.
func (f *Filesystem) GetInfo(ctx context.Context, path string, opts ...FilesystemOption) (*EntryInfo, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	o := newFSOptions(opts)
	resp, err := callUnary[envd.StatRequest, envd.StatResponse](ctx, f.envd, envd.FilesystemStat, &envd.StatRequest{Path: path}, o.user)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if resp.Entry == nil {
		return nil, fmt.Errorf("stat %s: %w: empty entry", path, ErrSandbox)
	}
	info := toEntryInfo(resp.Entry)
	return &info, nil
}

// Remove deletes a file or a directory tree.
func (f *Filesystem) Remove(ctx context.Context, path string, opts ...FilesystemOption) error {
	if err := checkPath(path); err != nil {
		return err
	}
	o := newFSOptions(opts)
	if _, err := callUnary[envd.RemoveRequest, envd.RemoveResponse](ctx, f.envd, envd.FilesystemRemove, &envd.RemoveRequest{Path: path}, o.user); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Rename moves oldPath to newPath and returns the new entry.
func (f *Filesystem) Rename(ctx context.Context, oldPath, newPath string, opts ...FilesystemOption) (*EntryInfo, error) {
	if err := checkPath(oldPath); err != nil {
		return nil, err
	}
	if err := checkPath(newPath); err != nil {
		return nil, err
	}
	o := newFSOptions(opts)
	req := &envd.MoveRequest{Source: oldPath, Destination: newPath}
	resp, err := callUnary[envd.MoveRequest, envd.MoveResponse](ctx, f.envd, envd.FilesystemMove, req, o.user)
	if err != nil {
		return nil, fmt.Errorf("renaming %s to %s: %w", oldPath, newPath, err)
	}
	if resp.Entry == nil {
		return &EntryInfo{Name: baseName(newPath), Path: newPath}, nil
	}
	info := toEntryInfo(resp.Entry)
	return &info, nil
}

// MakeDir creates a directory and its parents. It returns false when the
// directory already existed.
func (f *Filesystem) MakeDir(ctx context.Context, path string, opts ...FilesystemOption) (bool, error) {
	if err := checkPath(path); err != nil {
		return false, err
	}
	o := newFSOptions(opts)
	_, err := callUnary[envd.MakeDirRequest, envd.MakeDirResponse](ctx, f.envd, envd.FilesystemMakeDir, &envd.MakeDirRequest{Path: path}, o.user)
	if err != nil {
		var ce *connect.Error
		if errors.As(err, &ce) && ce.Code() == connect.CodeAlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("creating directory %s: %w", path, err)
	}
	return true, nil
}

func toEntryInfo(e *envd.EntryInfo) EntryInfo {
	info := EntryInfo{
		Name:        e.Name,
		Path:        e.Path,
		Size:        int64(e.Size),
		Mode:        e.Mode,
		Permissions: e.Permissions,
		Owner:       e.Owner,
		Group:       e.Group,
	}
	switch e.Type {
	case envd.FileTypeDirectory:
		info.Type = FileTypeDir
	case envd.FileTypeFile:
		info.Type = FileTypeFile
	}
	if e.ModifiedTime != nil {
		info.ModifiedTime = *e.ModifiedTime
	}
	if e.SymlinkTarget != nil {
		info.SymlinkTarget = *e.SymlinkTarget
	}
	return info
}

func writeType(t string) FileType {
	if t == "dir" || t == "directory" {
		return FileTypeDir
	}
	return FileTypeFile
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
