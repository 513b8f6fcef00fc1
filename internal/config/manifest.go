package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest records one completed dump transfer.
type Manifest struct {
	Started      time.Time      `toml:"started"`
	Finished     time.Time      `toml:"finished"`
	ID           string         `toml:"id"`
	Subdir       string         `toml:"subdir"`
	Destinations []string       `toml:"destinations"`
	Files        []ManifestFile `toml:"file"`
	Bytes        int64          `toml:"bytes"`
	DirectSave   bool           `toml:"direct_save"`
}

// ManifestFile describes one written dump file.
type ManifestFile struct {
	Path   string `toml:"path"`
	Digest string `toml:"blake3,omitempty"`
	Bytes  int64  `toml:"bytes"`
}

// WriteManifest writes m to path, creating the parent directory if needed.
func WriteManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	//nolint:gosec // G306: manifests carry no secrets, destinations are redacted
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadManifest reads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return m, nil
}
