package template

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	maxParallelUploads  = 4
)

// BuildStatus is the state of a template build.
type BuildStatus string

const (
	StatusBuilding BuildStatus = "building"
	StatusWaiting  BuildStatus = "waiting"
	StatusReady    BuildStatus = "ready"
	StatusError    BuildStatus = "error"
)

// LogEntry is one line of build output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
}

// BuildReason explains a failed build.
type BuildReason struct {
	Message    string     `json:"message"`
	Step       string     `json:"step,omitempty"`
	LogEntries []LogEntry `json:"logEntries,omitempty"`
}

// BuildStatusResponse is one poll of a build.
type BuildStatusResponse struct {
	TemplateID string       `json:"templateID"`
	BuildID    string       `json:"buildID"`
	Status     BuildStatus  `json:"status"`
	LogEntries []LogEntry   `json:"logEntries"`
	Reason     *BuildReason `json:"reason,omitempty"`
}

// BuildInfo identifies a started build.
type BuildInfo struct {
	Alias      string `json:"alias"`
	TemplateID string `json:"templateID"`
	BuildID    string `json:"buildID"`
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("BuildInfo(alias=%s, template_id=%s, build_id=%s)", b.Alias, b.TemplateID, b.BuildID)
}

// BuildOptions configure a build.
type BuildOptions struct {
	Alias    string
	CPUCount int
	MemoryMB int
	// SkipCache rebuilds every step.
	SkipCache bool
	// OnBuildLogs receives client and server build log entries in order.
	OnBuildLogs  func(LogEntry)
	PollInterval time.Duration
}

type createTemplateRequest struct {
	Alias    string `json:"alias"`
	CPUCount int    `json:"cpuCount,omitempty"`
	MemoryMB int    `json:"memoryMB,omitempty"`
}

type fileUploadResponse struct {
	Present bool   `json:"present"`
	URL     string `json:"url,omitempty"`
}

// Client builds templates through the control plane.
type Client struct {
	api    *sandbox.Client
	logger *slog.Logger
}

// NewClient returns a build client that reuses the connection settings of
// api.
func NewClient(api *sandbox.Client) *Client {
	return &Client{api: api, logger: api.Logger()}
}

// Build starts a build and waits until the template is ready.
func (c *Client) Build(ctx context.Context, t *Template, opts BuildOptions) (*BuildInfo, error) {
	info, err := c.BuildInBackground(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForBuild(ctx, info, opts); err != nil {
		return info, err
	}
	return info, nil
}

// BuildInBackground registers the template, uploads its COPY contexts and
// starts the build without waiting for it.
func (c *Client) BuildInBackground(ctx context.Context, t *Template, opts BuildOptions) (*BuildInfo, error) {
	if opts.Alias == "" {
		return nil, fmt.Errorf("%w: template alias is required", sandbox.ErrInvalidArgument)
	}
	var logMu sync.Mutex
	logf := func(format string, args ...any) {
		logMu.Lock()
		defer logMu.Unlock()
		if opts.OnBuildLogs != nil {
			opts.OnBuildLogs(LogEntry{Timestamp: time.Now(), Level: "info", Message: fmt.Sprintf(format, args...)})
		}
	}

	spec, err := t.spec(true)
	if err != nil {
		return nil, err
	}
	if opts.SkipCache {
		spec.Force = true
	}

	logf("Requesting build for template: %s", opts.Alias)
	var info BuildInfo
	if _, err := c.api.Do(ctx, http.MethodPost, "/v3/templates", nil, createTemplateRequest{
		Alias:    opts.Alias,
		CPUCount: opts.CPUCount,
		MemoryMB: opts.MemoryMB,
	}, &info); err != nil {
		return nil, fmt.Errorf("requesting build: %w", err)
	}
	info.Alias = opts.Alias
	logf("Template created with ID: %s, Build ID: %s", info.TemplateID, info.BuildID)

	if err := c.uploadContexts(ctx, t, &info, spec, logf); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/templates/%s/builds/%s", url.PathEscape(info.TemplateID), url.PathEscape(info.BuildID))
	if _, err := c.api.Do(ctx, http.MethodPost, path, nil, spec, nil); err != nil {
		return nil, fmt.Errorf("starting build: %w", err)
	}
	logf("Build started")
	c.logger.InfoContext(ctx, "template build started",
		slog.String("alias", info.Alias),
		slog.String("template_id", info.TemplateID),
		slog.String("build_id", info.BuildID),
	)
	return &info, nil
}

// uploadContexts uploads the sources of every COPY step the server does not
// have yet.
func (c *Client) uploadContexts(ctx context.Context, t *Template, info *BuildInfo, spec *Spec, logf func(string, ...any)) error {
	var copies []Instruction
	for _, step := range spec.Steps {
		if step.Type == InstructionCopy {
			copies = append(copies, step)
		}
	}
	if len(copies) == 0 {
		return nil
	}
	fc, err := t.fileContext()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for _, step := range copies {
		g.Go(func() error {
			src := step.Args[0]
			path := fmt.Sprintf("/templates/%s/files/%s", url.PathEscape(info.TemplateID), step.FilesHash)
			var res fileUploadResponse
			if _, err := c.api.Do(gctx, http.MethodGet, path, nil, nil, &res); err != nil {
				return fmt.Errorf("checking upload of %s: %w", src, err)
			}
			force := step.ForceUpload != nil && *step.ForceUpload
			if res.Present && !force {
				logf("Skipping upload of '%s', already cached", src)
				return nil
			}
			if res.URL == "" {
				return fmt.Errorf("no upload URL for %s", src)
			}
			if err := c.upload(gctx, fc, src, res.URL); err != nil {
				return fmt.Errorf("uploading %s: %w", src, err)
			}
			logf("Uploaded '%s'", src)
			return nil
		})
	}
	return g.Wait()
}

// upload streams the tarball of src to a presigned URL.
func (c *Client) upload(ctx context.Context, fc *fileContext, src, target string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(fc.archive(pw, src))
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := c.api.HTTPClient().Do(req)
	if err != nil {
		_ = pr.Close()
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return sandbox.CheckResponse(resp)
}

// GetBuildStatus polls a build once, returning log entries after
// logsOffset.
func (c *Client) GetBuildStatus(ctx context.Context, info *BuildInfo, logsOffset int) (*BuildStatusResponse, error) {
	path := fmt.Sprintf("/templates/%s/builds/%s/status", url.PathEscape(info.TemplateID), url.PathEscape(info.BuildID))
	q := url.Values{"logsOffset": {strconv.Itoa(logsOffset)}}
	var out BuildStatusResponse
	if _, err := c.api.Do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("getting build status: %w", err)
	}
	return &out, nil
}

// WaitForBuild polls until the build is ready or failed. A failed build
// returns an error matching sandbox.ErrBuild.
func (c *Client) WaitForBuild(ctx context.Context, info *BuildInfo, opts BuildOptions) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	offset := 0
	for {
		st, err := c.GetBuildStatus(ctx, info, offset)
		if err != nil {
			return err
		}
		offset += len(st.LogEntries)
		if opts.OnBuildLogs != nil {
			for _, e := range st.LogEntries {
				opts.OnBuildLogs(e)
			}
		}
		switch st.Status {
		case StatusReady:
			return nil
		case StatusError:
			msg := "unknown error"
			if st.Reason != nil && st.Reason.Message != "" {
				msg = st.Reason.Message
			}
			return fmt.Errorf("%w: template %s: %s", sandbox.ErrBuild, info.Alias, msg)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for build %s: %w", sandbox.ErrTimeout, info.BuildID, ctx.Err())
		case <-time.After(interval):
		}
	}
}
