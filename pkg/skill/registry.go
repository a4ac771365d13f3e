package skill

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/closedclaw/core/pkg/storage"
)

// Record is a persisted install record for one skill (SPEC_FULL.md §C.3).
type Record struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Signer      string    `json:"signer"`
	KeyID       string    `json:"keyId"`
	InstalledAt time.Time `json:"installedAt"`
}

// Registry persists skill install records, grounded in the teacher's
// bbolt-backed pkg/storage (spec.md §6, SPEC_FULL.md §C.3).
type Registry struct {
	kv *storage.KV
}

// OpenRegistry opens (or creates) the skill registry at path.
func OpenRegistry(path string) (*Registry, error) {
	kv, err := storage.Open(path, "skills")
	if err != nil {
		return nil, fmt.Errorf("skill: open registry: %w", err)
	}
	return &Registry{kv: kv}, nil
}

// Close closes the underlying store.
func (r *Registry) Close() error { return r.kv.Close() }

// Install records a verified skill install. Callers must verify the
// signature before calling Install.
func (r *Registry) Install(rec Record) error {
	return r.kv.Put(rec.Name, rec)
}

// Uninstall removes a skill's install record.
func (r *Registry) Uninstall(name string) error {
	return r.kv.Delete(name)
}

// Get returns a skill's install record, if any.
func (r *Registry) Get(name string) (Record, bool, error) {
	var rec Record
	found, err := r.kv.Get(name, &rec)
	return rec, found, err
}

// List returns all installed skill records.
func (r *Registry) List() ([]Record, error) {
	var out []Record
	err := r.kv.ForEach(func(key string, raw []byte) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
