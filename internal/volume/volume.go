// Package volume implements the isolated per-run volume manager: it seeds a
// host-backed directory with input files and hands back a mount descriptor
// for the container executor, guaranteeing tenant isolation and cleanup.
package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// Manager creates and tears down ephemeral, per-run/per-tenant volumes
// backed by bind-mounted host directories, matching the bind-mount model
// the container executor expects.
type Manager struct {
	baseDir string
}

// New constructs a Manager rooted at baseDir (os.TempDir() if empty).
func New(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir}
}

// Volume is one deterministically-named, tenant-scoped ephemeral directory.
type Volume struct {
	Name string
	path string
}

// name deterministically derives a volume's name from tenant and run, so a
// retried activity reuses (or safely recreates) the same volume.
func name(tenantID, runID string) string {
	return fmt.Sprintf("vol-%s-%s", tenantID, runID)
}

// Create creates the volume directory for (tenantID, runID) if it does not
// exist; an existing directory from an earlier attempt is reused with its
// contents.
func (m *Manager) Create(tenantID, runID string) (*Volume, error) {
	n := name(tenantID, runID)
	path := filepath.Join(m.baseDir, n)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, shipsec.Wrap(shipsec.KindConfiguration, "", fmt.Errorf("create volume dir: %w", err))
	}
	return &Volume{Name: n, path: path}, nil
}

// Initialize writes each input file into the volume keyed by its relative
// name. Existing files at the same name are overwritten.
func (v *Volume) Initialize(inputFiles map[string][]byte) error {
	for name, data := range inputFiles {
		target := filepath.Join(v.path, filepath.Clean("/"+name))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return shipsec.Wrap(shipsec.KindConfiguration, "", fmt.Errorf("prepare volume entry %q: %w", name, err))
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			return shipsec.Wrap(shipsec.KindConfiguration, "", fmt.Errorf("write volume entry %q: %w", name, err))
		}
	}
	return nil
}

// MountConfig describes how a volume should be attached to a container.
type MountConfig struct {
	Source     string
	TargetPath string
	ReadOnly   bool
}

// GetVolumeConfig returns the mount descriptor consumed by the container
// executor.
func (v *Volume) GetVolumeConfig(targetPath string, readOnly bool) MountConfig {
	return MountConfig{Source: v.path, TargetPath: targetPath, ReadOnly: readOnly}
}

// Cleanup removes the volume's backing directory, tolerating its absence.
func (v *Volume) Cleanup() error {
	if err := os.RemoveAll(v.path); err != nil && !os.IsNotExist(err) {
		return shipsec.Wrap(shipsec.KindConfiguration, "", fmt.Errorf("cleanup volume %q: %w", v.Name, err))
	}
	return nil
}
