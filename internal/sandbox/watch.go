package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

// WatchHandle delivers filesystem events until Stop is called.
type WatchHandle struct {
	events chan FilesystemEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// WatchDir starts watching a directory. The returned handle must be stopped.
func (f *Filesystem) WatchDir(ctx context.Context, path string, opts ...FilesystemOption) (*WatchHandle, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	o := newFSOptions(opts)

	streamCtx, cancel := context.WithCancel(ctx)
	req := &envd.WatchDirRequest{Path: path, Recursive: o.recursive}
	stream, err := callServerStream[envd.WatchDirRequest, envd.WatchDirResponse](streamCtx, f.envd, envd.FilesystemWatchDir, req, o.user)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	// The watch is armed once the start event arrives.
	started := false
	for !started && stream.Receive() {
		started = stream.Msg().Start != nil
	}
	if !started {
		err := stream.Err()
		_ = stream.Close()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("watching %s: %w", path, mapRPCError(err))
		}
		return nil, fmt.Errorf("watching %s: %w: stream ended before the watch started", path, ErrSandbox)
	}

	h := &WatchHandle{
		events: make(chan FilesystemEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer close(h.events)
		defer func() { _ = stream.Close() }()

		for stream.Receive() {
			ev := stream.Msg().Filesystem
			if ev == nil {
				continue
			}
			select {
			case h.events <- FilesystemEvent{Name: ev.Name, Type: eventType(ev.Type)}:
			case <-streamCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && streamCtx.Err() == nil {
			h.mu.Lock()
			h.err = mapRPCError(err)
			h.mu.Unlock()
		}
	}()
	return h, nil
}

// Events is closed when the watch stops.
func (h *WatchHandle) Events() <-chan FilesystemEvent { return h.events }

// Stop ends the watch and waits for the stream to close.
func (h *WatchHandle) Stop() {
	h.cancel()
	<-h.done
}

// Err returns the error that ended the watch, if any.
func (h *WatchHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func eventType(t string) FilesystemEventType {
	return FilesystemEventType(strings.ToLower(strings.TrimPrefix(t, "EVENT_TYPE_")))
}
