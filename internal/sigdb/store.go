package sigdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipsix/avsweep/internal/storage"
)

const (
	metaBucket = "meta"
	statusKey  = "status"
)

type Status struct {
	Version    string                  `json:"version"`
	Signatures int                     `json:"signatures"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Sources    map[string]SourceStatus `json:"sources"`
}

type SourceStatus struct {
	Source     string    `json:"source"`
	URL        string    `json:"url,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Files      int       `json:"files"`
	Signatures int       `json:"signatures"`
	Skipped    int       `json:"skipped"`
	Bytes      int64     `json:"bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
	Duration   string    `json:"duration"`
}

func saveStatus(store storage.Store, status Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode signature status: %w", err)
	}
	return store.Put(metaBucket, statusKey, raw)
}

func loadStatus(store storage.Store) (Status, error) {
	raw, err := store.Get(metaBucket, statusKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Status{Sources: map[string]SourceStatus{}}, nil
		}
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, fmt.Errorf("decode signature status: %w", err)
	}
	if status.Sources == nil {
		status.Sources = map[string]SourceStatus{}
	}
	return status, nil
}
