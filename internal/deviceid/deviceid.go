// Package deviceid persists the X-Plex-Client-Identifier the Plex
// Adapter presents on every request. Plex keys per-device state
// (most notably play-queue and session tracking) off this value, so
// it must stay stable across process restarts rather than being
// regenerated per invocation.
package deviceid

import (
	"github.com/google/uuid"

	"github.com/trek-e/stash2plex/internal/atomicfile"
)

type record struct {
	ID string `json:"id"`
}

// LoadOrCreate reads the device identifier persisted at path,
// generating and persisting a new one on first run.
func LoadOrCreate(path string) (string, error) {
	var r record
	if err := atomicfile.ReadJSON(path, &r); err != nil {
		return "", err
	}

	if r.ID != "" {
		return r.ID, nil
	}

	r.ID = uuid.NewString()
	if err := atomicfile.WriteJSON(path, r); err != nil {
		return "", err
	}
	return r.ID, nil
}
