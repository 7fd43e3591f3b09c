package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// SecretReader resolves a secret reference to its value.
type SecretReader interface {
	ReadSecret(ctx context.Context, ref string) (string, error)
}

// VaultSource reads device passwords from a HashiCorp Vault KV v2 mount.
// References have the form "mount/path#field"; the field defaults to
// "password".
type VaultSource struct {
	client *api.Client
	log    *slog.Logger
}

// NewVaultSource creates a Vault client. Empty address and token fall back to
// the standard VAULT_ADDR / VAULT_TOKEN handling of the Vault API client.
func NewVaultSource(address, token string, log *slog.Logger) (*VaultSource, error) {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("failed to read Vault environment: %w", cfg.Error)
	}
	if address != "" {
		cfg.Address = address
	}
	cfg.Timeout = 30 * time.Second

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultSource{client: client, log: log}, nil
}

// ParseVaultRef splits "mount/path#field" into the KV v2 data path and field.
func ParseVaultRef(ref string) (path, field string, err error) {
	ref = strings.TrimSpace(ref)
	ref, field, _ = strings.Cut(ref, "#")
	if field == "" {
		field = "password"
	}

	mount, rest, ok := strings.Cut(strings.Trim(ref, "/"), "/")
	if !ok || mount == "" || rest == "" {
		return "", "", fmt.Errorf("vault reference %q must look like mount/path#field", ref)
	}
	return fmt.Sprintf("%s/data/%s", mount, rest), field, nil
}

// ReadSecret implements SecretReader.
func (v *VaultSource) ReadSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	path, field, err := ParseVaultRef(ref)
	if err != nil {
		return "", err
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return "", fmt.Errorf("failed to read %s from Vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid data format in Vault response for %s", path)
	}

	value, ok := data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("field %q not found in Vault secret %s", field, path)
	}

	v.log.Debug("Read secret from Vault",
		slog.String("path", path),
		slog.String("field", field),
		slog.Duration("duration", time.Since(start)))
	return value, nil
}
