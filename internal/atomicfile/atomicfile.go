// Package atomicfile provides temp-file-plus-rename JSON persistence,
// the pattern every piece of process-wide mutable state in the pipeline
// (breaker, outage history, recovery state, stats, sync timestamps,
// reconciliation state) is saved with.
package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WriteJSON marshals v and writes it to path via a same-directory
// temp file followed by an atomic rename, so a crash mid-write never
// leaves a torn file behind.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create state directory")
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return errors.Wrap(err, "write temp state file")
	}

	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return errors.Wrap(err, "rename temp state file")
	}

	return nil
}

// ReadJSON loads path into v. A missing file is not an error; the caller
// is expected to have already populated v with defaults. A corrupt file
// logs a warning and leaves v untouched, per the "use defaults, never
// raise" policy for state files.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read state file")
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("corrupt state file, falling back to defaults")
		return nil
	}

	return nil
}
