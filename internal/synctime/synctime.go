// Package synctime is the per-scene last-successful-sync-time store: the
// reconciliation engine's authoritative "already synced" predicate.
package synctime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trek-e/stash2plex/internal/atomicfile"
)

// Index is the persisted sceneID -> unix-seconds map.
type Index struct {
	mu   sync.RWMutex
	path string
	data map[int64]int64
}

// Load reads path into a fresh Index (empty if absent or corrupt).
func Load(path string) (*Index, error) {
	idx := &Index{path: path, data: map[int64]int64{}}
	if err := atomicfile.ReadJSON(path, &idx.data); err != nil {
		return nil, err
	}
	if idx.data == nil {
		idx.data = map[int64]int64{}
	}
	return idx, nil
}

// MarkSynced stamps sceneID's last-successful-sync time to now. Called
// only by the worker, only on a successful Plex write.
func (idx *Index) MarkSynced(sceneID int64, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data[sceneID] = now.Unix()
	idx.persistLocked()
}

// LastSynced returns (unixSeconds, true) if sceneID has ever synced
// successfully, or (0, false) otherwise.
func (idx *Index) LastSynced(sceneID int64) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.data[sceneID]
	return v, ok
}

// IsUpToDate reports whether sceneID's last successful sync is at or
// after stashUpdatedAt — the persistent guard against re-enqueue loops
// described in spec.md §9: a prior sync wins regardless of what the
// Plex side currently shows.
func (idx *Index) IsUpToDate(sceneID int64, stashUpdatedAt time.Time) bool {
	last, ok := idx.LastSynced(sceneID)
	if !ok {
		return false
	}
	return last >= stashUpdatedAt.Unix()
}

func (idx *Index) persistLocked() {
	if err := atomicfile.WriteJSON(idx.path, idx.data); err != nil {
		log.Error().Err(err).Msg("failed to persist sync timestamps")
	}
}

// Len returns the number of scenes with a recorded sync timestamp.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.data)
}
