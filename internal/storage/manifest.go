package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Manifest identifies one run file. The recording rig is told RunID when the
// run starts so recordings and pattern files can be matched up later.
type Manifest struct {
	RunID       string            `json:"run_id"`
	Path        string            `json:"path"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewManifest returns a manifest with a fresh run id.
func NewManifest(path, description string, attrs map[string]string) Manifest {
	return Manifest{
		RunID:       uuid.NewString(),
		Path:        path,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Attributes:  attrs,
	}
}

// SidecarPath is where the JSON copy of a run file's manifest lives.
func SidecarPath(path string) string { return path + ".json" }

// WriteSidecar writes m next to its run file, atomically replacing any
// previous copy.
func WriteSidecar(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	pending, err := renameio.NewPendingFile(SidecarPath(m.Path))
	if err != nil {
		return fmt.Errorf("create pending manifest: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
