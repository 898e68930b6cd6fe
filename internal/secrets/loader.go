package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spigell/upwork-harvester/internal/upwork"
)

// ErrNotConfigured is returned when neither a file nor a value is set.
var ErrNotConfigured = errors.New("not configured")

// Source describes where a secret lives.
type Source struct {
	// Name is used in error messages.
	Name string
	// Value is an inline secret from configuration or flags.
	Value string
	// File points to a file with the secret. It wins over Value.
	File string
}

func (s Source) configured() bool {
	return strings.TrimSpace(s.File) != "" || strings.TrimSpace(s.Value) != ""
}

// Load returns the trimmed secret of src.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("%s file %q is empty", name, file)
		}
		return secret, nil
	}

	secret := strings.TrimSpace(src.Value)
	if secret == "" {
		return "", fmt.Errorf("%s is %w", name, ErrNotConfigured)
	}
	return secret, nil
}

// LoadOptional is Load for secrets that may be absent: an unconfigured source
// yields an empty string and no error.
func LoadOptional(src Source) (string, error) {
	if !src.configured() {
		return "", nil
	}
	return Load(src)
}

// Credentials reads the bearer token and tenant id on every call, so a token
// rotated on disk by an external refresher is used by the next request
// without a restart.
type Credentials struct {
	Token  Source
	Tenant Source
}

func (c Credentials) Credential(context.Context) (upwork.Credential, error) {
	token, err := Load(c.Token)
	if err != nil {
		return upwork.Credential{}, err
	}
	tenant, err := LoadOptional(c.Tenant)
	if err != nil {
		return upwork.Credential{}, err
	}
	return upwork.Credential{Token: token, TenantID: tenant}, nil
}
