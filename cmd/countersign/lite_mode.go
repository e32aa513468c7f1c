package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/config"
)

const secretFile = "app.secret"

// resolveSecret replaces a per-process secret with one persisted under the
// data directory, so signing links survive restarts in development.
func resolveSecret(cfg *config.Config, out io.Writer) error {
	if !cfg.EphemeralSecret {
		return nil
	}
	secret, err := loadOrGenerateSecret(cfg.DataDir, out)
	if err != nil {
		return err
	}
	cfg.AppSecret = secret
	cfg.EphemeralSecret = false
	return nil
}

func loadOrGenerateSecret(dataDir string, out io.Writer) (string, error) {
	path := filepath.Join(dataDir, secretFile)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(raw))
		if len(secret) < capability.MinSecretLength {
			return "", fmt.Errorf("%s is shorter than %d bytes", path, capability.MinSecretLength)
		}
		return secret, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(out, "\n%sSECURITY WARNING: Using auto-generated APP_SECRET.%s\n", ColorBold+ColorYellow, ColorReset)
	_, _ = fmt.Fprintf(out, "   Secret saved to: %s\n", path)
	_, _ = fmt.Fprintf(out, "   In production, set APP_SECRET from your secret manager.\n\n")
	return secret, nil
}
