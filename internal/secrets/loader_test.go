package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSecret(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		src     Source
		want    string
		wantErr bool
	}{
		{name: "inline", src: Source{Name: "token", Value: "  abc \n"}, want: "abc"},
		{name: "file wins", src: Source{Name: "token", Value: "inline", File: writeSecret(t, dir, "token", "from-file\n")}, want: "from-file"},
		{name: "empty file", src: Source{Name: "token", File: writeSecret(t, dir, "empty", "\n")}, wantErr: true},
		{name: "missing file", src: Source{Name: "token", File: filepath.Join(dir, "nope")}, wantErr: true},
		{name: "nothing", src: Source{Name: "token"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Load() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := Load(Source{Name: "gemini api key"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	got, err := LoadOptional(Source{Name: "tenant id"})
	if err != nil || got != "" {
		t.Fatalf("unconfigured optional secret: got %q, %v", got, err)
	}

	if _, err := LoadOptional(Source{Name: "tenant id", File: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("a configured but unreadable file must fail")
	}
}

func TestCredentialsRereadRotatedToken(t *testing.T) {
	dir := t.TempDir()
	tokenFile := writeSecret(t, dir, "token", "first")

	creds := Credentials{
		Token:  Source{Name: "upwork token", File: tokenFile},
		Tenant: Source{Name: "tenant id", Value: "org-1"},
	}

	c, err := creds.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if c.Token != "first" || c.TenantID != "org-1" {
		t.Fatalf("unexpected credential: %+v", c)
	}

	writeSecret(t, dir, "token", "second")
	c, err = creds.Credential(context.Background())
	if err != nil || c.Token != "second" {
		t.Fatalf("expected rotated token, got %+v, %v", c, err)
	}
}
