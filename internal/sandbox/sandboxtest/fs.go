package sandboxtest

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

type memEntry struct {
	dir     bool
	data    []byte
	modTime time.Time
}

type watcher struct {
	dir       string
	recursive bool
	ch        chan envd.FilesystemEvent
}

// memFS is a flat map of absolute paths to entries.
type memFS struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	watchers map[*watcher]struct{}
}

func newMemFS() *memFS {
	fs := &memFS{
		entries:  make(map[string]*memEntry),
		watchers: make(map[*watcher]struct{}),
	}
	now := time.Now().UTC()
	for _, d := range []string{"/", "/home", "/home/user", "/root", "/tmp"} {
		fs.entries[d] = &memEntry{dir: true, modTime: now}
	}
	return fs
}

// resolve turns p into a clean absolute path, relative paths starting at the
// user's home directory.
func resolve(p, user string) string {
	if !strings.HasPrefix(p, "/") {
		p = homeDir(user) + "/" + p
	}
	return path.Clean(p)
}

func homeDir(user string) string {
	if user == "root" {
		return "/root"
	}
	return "/home/" + user
}

// mkdirAll creates p and its parents and reports whether p was created.
// Callers hold fs.mu.
func (fs *memFS) mkdirAll(p string) (bool, bool) {
	if e, ok := fs.entries[p]; ok {
		return false, e.dir
	}
	if parent := path.Dir(p); parent != p {
		if _, ok := fs.mkdirAll(parent); !ok {
			return false, false
		}
	}
	fs.entries[p] = &memEntry{dir: true, modTime: time.Now().UTC()}
	fs.notify(p, envd.EventTypeCreate)
	return true, true
}

func (fs *memFS) makeDir(p string) (created, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mkdirAll(p)
}

func (fs *memFS) write(p string, data []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.mkdirAll(path.Dir(p)); !ok {
		return false
	}
	e, existed := fs.entries[p]
	if existed && e.dir {
		return false
	}
	fs.entries[p] = &memEntry{data: append([]byte(nil), data...), modTime: time.Now().UTC()}
	if !existed {
		fs.notify(p, envd.EventTypeCreate)
	}
	fs.notify(p, envd.EventTypeWrite)
	return true
}

func (fs *memFS) read(p string) ([]byte, bool, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[p]
	if !ok {
		return nil, false, false
	}
	return append([]byte(nil), e.data...), e.dir, true
}

func (fs *memFS) stat(p, owner string) (*envd.EntryInfo, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[p]
	if !ok {
		return nil, false
	}
	return entryInfo(p, e, owner), true
}

// list returns the entries below p up to depth levels deep.
func (fs *memFS) list(p string, depth int, owner string) ([]envd.EntryInfo, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if e, ok := fs.entries[p]; !ok || !e.dir {
		return nil, false
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	var out []envd.EntryInfo
	for name, e := range fs.entries {
		if name == p || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.Count(strings.TrimPrefix(name, prefix), "/")+1 > depth {
			continue
		}
		out = append(out, *entryInfo(name, e, owner))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, true
}

func (fs *memFS) remove(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[p]; !ok {
		return
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name := range fs.entries {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(fs.entries, name)
		}
	}
	fs.notify(p, envd.EventTypeRemove)
}

func (fs *memFS) move(src, dst string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[src]; !ok {
		return false
	}
	if _, ok := fs.mkdirAll(path.Dir(dst)); !ok {
		return false
	}
	prefix := strings.TrimSuffix(src, "/") + "/"
	moved := make(map[string]*memEntry)
	for name, e := range fs.entries {
		switch {
		case name == src:
			moved[dst] = e
		case strings.HasPrefix(name, prefix):
			moved[dst+"/"+strings.TrimPrefix(name, prefix)] = e
		default:
			continue
		}
		delete(fs.entries, name)
	}
	for name, e := range moved {
		fs.entries[name] = e
	}
	fs.notify(src, envd.EventTypeRename)
	fs.notify(dst, envd.EventTypeCreate)
	return true
}

func (fs *memFS) watch(dir string, recursive bool) *watcher {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	w := &watcher{dir: dir, recursive: recursive, ch: make(chan envd.FilesystemEvent, 64)}
	fs.watchers[w] = struct{}{}
	return w
}

func (fs *memFS) unwatch(w *watcher) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.watchers, w)
}

// notify fans an event out to matching watchers. Callers hold fs.mu.
func (fs *memFS) notify(p, eventType string) {
	for w := range fs.watchers {
		prefix := strings.TrimSuffix(w.dir, "/") + "/"
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if !w.recursive && strings.Contains(rel, "/") {
			continue
		}
		select {
		case w.ch <- envd.FilesystemEvent{Name: rel, Type: eventType}:
		default:
		}
	}
}

func entryInfo(p string, e *memEntry, owner string) *envd.EntryInfo {
	mod := e.modTime
	info := &envd.EntryInfo{
		Name:         path.Base(p),
		Path:         p,
		Owner:        owner,
		Group:        owner,
		ModifiedTime: &mod,
	}
	if e.dir {
		info.Type = envd.FileTypeDirectory
		info.Mode = 0o755
		info.Permissions = "drwxr-xr-x"
		info.Size = 4096
	} else {
		info.Type = envd.FileTypeFile
		info.Mode = 0o644
		info.Permissions = "-rw-r--r--"
		info.Size = envd.Int64(len(e.data))
	}
	return info
}
