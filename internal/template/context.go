package template

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// fileContext resolves COPY sources inside the template's context directory.
type fileContext struct {
	root    string
	matcher *patternmatcher.PatternMatcher
}

func (t *Template) fileContext() (*fileContext, error) {
	root, err := filepath.Abs(t.fileContextPath)
	if err != nil {
		return nil, fmt.Errorf("resolving file context: %w", err)
	}
	patterns := append([]string(nil), t.ignorePatterns...)
	f, err := os.Open(filepath.Join(root, ".dockerignore"))
	switch {
	case err == nil:
		fromFile, rerr := ignorefile.ReadAll(f)
		_ = f.Close()
		if rerr != nil {
			return nil, fmt.Errorf("reading .dockerignore: %w", rerr)
		}
		patterns = append(patterns, fromFile...)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("opening .dockerignore: %w", err)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling ignore patterns: %w", err)
	}
	return &fileContext{root: root, matcher: pm}, nil
}

// files returns the context-relative slash paths of the files matched by
// src, walking directories and dropping ignored entries. The result is
// sorted.
func (c *fileContext) files(src string) ([]string, error) {
	pattern := filepath.Join(c.root, filepath.FromSlash(src))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", src, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %q in %s", src, c.root)
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		err := filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(c.root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if strings.HasPrefix(rel, "../") {
				return fmt.Errorf("%s is outside the file context", p)
			}
			ignored, err := c.matcher.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			switch {
			case ignored && d.IsDir() && rel != ".":
				return filepath.SkipDir
			case ignored, d.IsDir():
				return nil
			}
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(out)
	return out, nil
}

// hash identifies the content of a COPY step: the instruction itself plus
// the path, mode, size and bytes of every file it copies.
func (c *fileContext) hash(src, dest string) (string, error) {
	files, err := c.files(src)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, _ = io.WriteString(h, "COPY "+src+" "+dest)
	for _, rel := range files {
		full := filepath.Join(c.root, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, rel)
		_, _ = io.WriteString(h, strconv.FormatUint(uint64(info.Mode()), 8))
		_, _ = io.WriteString(h, strconv.FormatInt(info.Size(), 10))
		if !info.Mode().IsRegular() {
			continue
		}
		if err := copyFile(h, full); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// archive writes a gzip-compressed tarball of the files matched by src,
// with paths relative to the context root.
func (c *fileContext) archive(w io.Writer, src string) error {
	files, err := c.files(src)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		full := filepath.Join(c.root, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(full); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Clean(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			if err := copyFile(tw, full); err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func copyFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
