package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"env://E2B_API_KEY", "env"},
		{"vault://secret/data/e2b#k", "vault"},
		{"file:///run/secrets/key", "file"},
		{"postgres://u:p@db/runs", "postgres"},
		{"e2b_plain_key", ""},
		{"host=db user=x", ""},
		{"://nothing", ""},
	}
	for _, tt := range tests {
		if got := Scheme(tt.in); got != tt.want {
			t.Errorf("Scheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("E2B_SUITE_TEST_SECRET", "s3cret")
	t.Setenv("E2B_SUITE_TEST_EMPTY", "")
	p := NewEnvProvider()

	s, err := p.Resolve(context.Background(), "env://E2B_SUITE_TEST_SECRET")
	if err != nil || s.Value != "s3cret" || s.Metadata["variable"] != "E2B_SUITE_TEST_SECRET" {
		t.Errorf("Resolve() = %+v, %v", s, err)
	}
	for _, ref := range []string{"env://E2B_SUITE_TEST_EMPTY", "env://", "vault://x"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrSecretNotFound", ref, err)
		}
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("tok-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider()

	s, err := p.Resolve(context.Background(), "file://"+path)
	if err != nil || s.Value != "tok-123" {
		t.Errorf("Resolve() = %+v, %v", s, err)
	}
	for _, ref := range []string{"file://" + empty, "file://" + filepath.Join(dir, "missing"), "file://"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrSecretNotFound", ref, err)
		}
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("E2B_SUITE_TEST_KEY", "from-env")
	r := NewResolver(NewEnvProvider(), NewFileProvider())

	apiKey := "env://E2B_SUITE_TEST_KEY"
	plain := "literal"
	dsn := "postgres://u:p@db/runs"
	empty := ""
	if err := r.ResolveAll(context.Background(), &apiKey, &plain, &dsn, &empty, nil); err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if apiKey != "from-env" || plain != "literal" || dsn != "postgres://u:p@db/runs" || empty != "" {
		t.Errorf("resolved = %q %q %q %q", apiKey, plain, dsn, empty)
	}

	missing := "env://E2B_SUITE_TEST_UNSET_VAR"
	if err := r.ResolveAll(context.Background(), &missing); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("ResolveAll(missing) = %v, want ErrSecretNotFound", err)
	}
	if missing != "env://E2B_SUITE_TEST_UNSET_VAR" {
		t.Errorf("failed field was modified: %q", missing)
	}
}
