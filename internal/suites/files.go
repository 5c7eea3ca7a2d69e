package suites

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func (e *Env) fileOperations() *suite.Suite {
	return &suite.Suite{
		Name:        "file_operations",
		Description: "Upload, download and write text files",
		Tags:        []string{suite.TagDefault},
		Cases: []suite.Case{
			{Name: "upload", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				for _, name := range []string{"a.txt", "b.txt"} {
					_, err := sbx.Files.Write(t.Context(), "/home/user/"+name, []byte("content of "+name))
					t.NoError(err, "write "+name)
				}
				entries, err := sbx.Files.List(t.Context(), "/home/user")
				t.NoError(err, "list /home/user")
				names := entryNames(entries)
				t.True(slices.Contains(names, "a.txt") && slices.Contains(names, "b.txt"), "listing %v is missing uploaded files", names)
			}},
			{Name: "download", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				want := []byte("downloaded content\nline 2\n")
				_, err := sbx.Files.Write(t.Context(), "/home/user/download.txt", want)
				t.NoError(err, "write")
				got, err := sbx.Files.Read(t.Context(), "/home/user/download.txt")
				t.NoError(err, "read")
				t.True(bytes.Equal(got, want), "read %q, want %q", got, want)
			}},
			{Name: "write_text", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				const text = "你好，世界！ Hello, AgentBox!"
				info, err := sbx.Files.Write(t.Context(), "/home/user/hello.txt", []byte(text))
				t.NoError(err, "write")
				t.Equal(info.Path, "/home/user/hello.txt", "write path")
				got, err := sbx.Files.ReadText(t.Context(), "/home/user/hello.txt")
				t.NoError(err, "read")
				t.Equal(got, text, "content")
			}},
		},
	}
}

func (e *Env) filesystem() *suite.Suite {
	return &suite.Suite{
		Name:        "filesystem",
		Description: "Complete filesystem API: read, write, list, stat, remove, rename, mkdir, watch",
		Cases: []suite.Case{
			{Name: "write_string", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				info, err := sbx.Files.Write(t.Context(), "/home/user/test.txt", []byte("Hello, AgentBox!"))
				t.NoError(err, "write")
				t.Equal(info.Path, "/home/user/test.txt", "write path")
			}},
			{Name: "write_bytes", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				info, err := sbx.Files.Write(t.Context(), "/home/user/binary.bin", []byte("Binary content \x00\x01\x02\x03"))
				t.NoError(err, "write")
				t.Equal(info.Path, "/home/user/binary.bin", "write path")
			}},
			{Name: "write_stream", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				info, err := sbx.Files.WriteStream(t.Context(), "/home/user/stream.txt", strings.NewReader("Stream content from a reader"))
				t.NoError(err, "write stream")
				t.Equal(info.Path, "/home/user/stream.txt", "write path")
				got, err := sbx.Files.ReadText(t.Context(), "/home/user/stream.txt")
				t.NoError(err, "read")
				t.Equal(got, "Stream content from a reader", "content")
			}},
			{Name: "write_files_batch", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				infos, err := sbx.Files.WriteFiles(t.Context(), []sandbox.WriteEntry{
					{Path: "/home/user/batch1.txt", Data: []byte("Content 1")},
					{Path: "/home/user/batch2.txt", Data: []byte("Content 2")},
					{Path: "/home/user/batch3.txt", Data: []byte("Content 3")},
				})
				t.NoError(err, "write files")
				t.Equal(len(infos), 3, "written files")
				got, err := sbx.Files.ReadText(t.Context(), "/home/user/batch2.txt")
				t.NoError(err, "read batch2")
				t.Equal(got, "Content 2", "batch2 content")
			}},
			{Name: "read_text", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				const text = "Hello, 你好, العربية"
				_, err := sbx.Files.Write(t.Context(), "/home/user/read_test.txt", []byte(text))
				t.NoError(err, "write")
				got, err := sbx.Files.ReadText(t.Context(), "/home/user/read_test.txt")
				t.NoError(err, "read")
				t.Equal(got, text, "content")
			}},
			{Name: "read_bytes", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				want := []byte{0, 1, 2, 3, 4, 5}
				_, err := sbx.Files.Write(t.Context(), "/home/user/binary_read.bin", want)
				t.NoError(err, "write")
				got, err := sbx.Files.Read(t.Context(), "/home/user/binary_read.bin")
				t.NoError(err, "read")
				t.True(bytes.Equal(got, want), "read %v, want %v", got, want)
			}},
			{Name: "read_stream", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				want := strings.Repeat("A", 10000)
				_, err := sbx.Files.Write(t.Context(), "/home/user/large.txt", []byte(want))
				t.NoError(err, "write")

				rc, err := sbx.Files.ReadStream(t.Context(), "/home/user/large.txt")
				t.NoError(err, "open stream")
				defer func() { _ = rc.Close() }()
				var (
					buf    bytes.Buffer
					chunks int
					chunk  = make([]byte, 4096)
				)
				for {
					n, err := rc.Read(chunk)
					if n > 0 {
						chunks++
						buf.Write(chunk[:n])
					}
					if err == io.EOF {
						break
					}
					t.NoError(err, "read stream")
				}
				t.Equal(buf.Len(), len(want), "streamed length")
				t.True(buf.String() == want, "streamed content differs")
				t.Logf("%d chunks", chunks)
			}},
			{Name: "list_directory", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				for _, n := range []string{"a", "b", "c"} {
					_, err := sbx.Files.Write(t.Context(), "/home/user/list_test/"+n+".txt", []byte(n))
					t.NoError(err, "write "+n)
				}
				entries, err := sbx.Files.List(t.Context(), "/home/user/list_test")
				t.NoError(err, "list")
				t.Equal(len(entries), 3, "entries")
				for _, en := range entries {
					t.Equal(en.Type, sandbox.FileTypeFile, en.Name+" type")
				}
			}},
			{Name: "list_directory_depth", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "/home/user/nested/level1/file1.txt", []byte("1"))
				t.NoError(err, "write file1")
				_, err = sbx.Files.Write(t.Context(), "/home/user/nested/level1/level2/file2.txt", []byte("2"))
				t.NoError(err, "write file2")

				shallow, err := sbx.Files.List(t.Context(), "/home/user/nested")
				t.NoError(err, "list depth 1")
				deep, err := sbx.Files.List(t.Context(), "/home/user/nested", sandbox.WithDepth(2))
				t.NoError(err, "list depth 2")
				t.True(len(deep) > len(shallow), "depth 2 listed %d entries, depth 1 listed %d", len(deep), len(shallow))
				paths := entryPaths(deep)
				t.True(slices.Contains(paths, "/home/user/nested/level1/file1.txt"), "depth 2 listing %v misses file1.txt", paths)
				t.True(!slices.Contains(paths, "/home/user/nested/level1/level2/file2.txt"), "depth 2 listing includes depth 3 entry")
			}},
			{Name: "file_exists", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "/home/user/exists.txt", []byte("exists"))
				t.NoError(err, "write")
				t.Equal(exists(t, sbx, "/home/user/exists.txt"), true, "exists(exists.txt)")
				t.Equal(exists(t, sbx, "/home/user/not_exists.txt"), false, "exists(not_exists.txt)")
			}},
			{Name: "get_file_info", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				const content = "Info test content"
				_, err := sbx.Files.Write(t.Context(), "/home/user/info_test.txt", []byte(content))
				t.NoError(err, "write")
				info, err := sbx.Files.GetInfo(t.Context(), "/home/user/info_test.txt")
				t.NoError(err, "get info")
				t.Equal(info.Name, "info_test.txt", "name")
				t.Equal(info.Type, sandbox.FileTypeFile, "type")
				t.Equal(info.Size, int64(len(content)), "size")
				t.Logf("permissions %s, owner %s", info.Permissions, info.Owner)
			}},
			{Name: "remove_file", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "/home/user/to_remove.txt", []byte("remove me"))
				t.NoError(err, "write")
				t.True(exists(t, sbx, "/home/user/to_remove.txt"), "file missing before remove")
				t.NoError(sbx.Files.Remove(t.Context(), "/home/user/to_remove.txt"), "remove")
				t.True(!exists(t, sbx, "/home/user/to_remove.txt"), "file still exists after remove")
			}},
			{Name: "remove_directory", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "/home/user/dir_to_remove/file.txt", []byte("content"))
				t.NoError(err, "write")
				t.True(exists(t, sbx, "/home/user/dir_to_remove"), "directory missing before remove")
				t.NoError(sbx.Files.Remove(t.Context(), "/home/user/dir_to_remove"), "remove")
				t.True(!exists(t, sbx, "/home/user/dir_to_remove"), "directory still exists after remove")
			}},
			{Name: "rename_file", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "/home/user/original.txt", []byte("content"))
				t.NoError(err, "write")
				info, err := sbx.Files.Rename(t.Context(), "/home/user/original.txt", "/home/user/renamed.txt")
				t.NoError(err, "rename")
				t.Equal(info.Path, "/home/user/renamed.txt", "renamed path")
				t.True(!exists(t, sbx, "/home/user/original.txt"), "old path still exists")
				t.True(exists(t, sbx, "/home/user/renamed.txt"), "new path missing")
			}},
			{Name: "make_directory", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				created, err := sbx.Files.MakeDir(t.Context(), "/home/user/new_directory")
				t.NoError(err, "make dir")
				t.True(created, "make dir reported an existing directory")
				info, err := sbx.Files.GetInfo(t.Context(), "/home/user/new_directory")
				t.NoError(err, "get info")
				t.Equal(info.Type, sandbox.FileTypeDir, "type")

				created, err = sbx.Files.MakeDir(t.Context(), "/home/user/new_directory")
				t.NoError(err, "make existing dir")
				t.True(!created, "second make dir reported a new directory")
			}},
			{Name: "make_nested_directory", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.MakeDir(t.Context(), "/home/user/nested/level1/level2/level3")
				t.NoError(err, "make dir")
				for _, p := range []string{
					"/home/user/nested",
					"/home/user/nested/level1",
					"/home/user/nested/level1/level2",
					"/home/user/nested/level1/level2/level3",
				} {
					t.True(exists(t, sbx, p), "%s missing", p)
				}
			}},
			{Name: "watch_directory", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.MakeDir(t.Context(), "/home/user/watch_dir")
				t.NoError(err, "make dir")

				h, err := sbx.Files.WatchDir(t.Context(), "/home/user/watch_dir")
				t.NoError(err, "watch")
				defer h.Stop()

				_, err = sbx.Files.Write(t.Context(), "/home/user/watch_dir/new_file.txt", []byte("content"))
				t.NoError(err, "write")

				timeout := time.After(10 * time.Second)
				for {
					select {
					case ev, ok := <-h.Events():
						if !ok {
							t.Fatalf("watch closed: %v", h.Err())
						}
						t.Logf("event %s %s", ev.Type, ev.Name)
						if ev.Name == "new_file.txt" {
							return
						}
					case <-timeout:
						t.Fatal("no event for new_file.txt within 10s")
					}
				}
			}},
		},
	}
}

func exists(t *suite.T, sbx *sandbox.Sandbox, path string) bool {
	ok, err := sbx.Files.Exists(t.Context(), path)
	t.NoError(err, "exists "+path)
	return ok
}

func entryNames(entries []sandbox.EntryInfo) []string {
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = en.Name
	}
	return out
}

func entryPaths(entries []sandbox.EntryInfo) []string {
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = en.Path
	}
	return out
}
