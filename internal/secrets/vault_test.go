package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents the host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func newVault(t *testing.T, handler http.HandlerFunc) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL + "/", Token: "test-token", Namespace: "team"})
	if err != nil {
		t.Fatalf("NewVaultProvider() error = %v", err)
	}
	return vp
}

func TestVaultProvider_ResolveField(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/e2b" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" || r.Header.Get("X-Vault-Namespace") != "team" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2Response(map[string]any{"api_key": "e2b_123", "port": 5432}))
	})
	ctx := context.Background()

	secret, err := vp.Resolve(ctx, "vault://secret/data/e2b#api_key")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if secret.Value != "e2b_123" || secret.Metadata["field"] != "api_key" || secret.Metadata["source"] != "vault" {
		t.Errorf("secret = %+v", secret)
	}

	whole, err := vp.Resolve(ctx, "vault://secret/data/e2b")
	if err != nil {
		t.Fatalf("Resolve(whole) error = %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(whole.Value), &data); err != nil || data["api_key"] != "e2b_123" {
		t.Errorf("whole value = %s, %v", whole.Value, err)
	}

	if _, err := vp.Resolve(ctx, "vault://secret/data/e2b#port"); err == nil || !strings.Contains(err.Error(), "not a string") {
		t.Errorf("non-string field = %v", err)
	}
	if _, err := vp.Resolve(ctx, "vault://secret/data/e2b#missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing field = %v, want ErrSecretNotFound", err)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		ref      string
		notFound bool
		wantErr  string
	}{
		{"not found", http.StatusNotFound, "vault://secret/data/x#k", true, "not found"},
		{"forbidden", http.StatusForbidden, "vault://secret/data/x#k", false, "access denied"},
		{"server error", http.StatusBadGateway, "vault://secret/data/x#k", false, "status 502"},
		{"empty path", http.StatusOK, "vault://#k", true, "empty vault path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vp := newVault(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := vp.Resolve(context.Background(), tt.ref)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Resolve() = %v, want error containing %q", err, tt.wantErr)
			}
			if errors.Is(err, ErrSecretNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrSecretNotFound) = %v, want %v", !tt.notFound, tt.notFound)
			}
		})
	}
}

func TestNewVaultProvider_RequiresAddressAndToken(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected an error without an address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("expected an error without a token")
	}

	t.Setenv("VAULT_ADDR", "http://env-vault:8200")
	t.Setenv("VAULT_TOKEN", "env-token")
	vp, err := NewVaultProvider(VaultConfig{})
	if err != nil {
		t.Fatalf("NewVaultProvider() error = %v", err)
	}
	if vp.address != "http://env-vault:8200" || vp.token != "env-token" {
		t.Errorf("provider = %s / %s", vp.address, vp.token)
	}
}
