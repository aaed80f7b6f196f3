// Package scratch implements read/write/delete of the ScratchFile envelope
// described by outputs/{configId}/{uuid}.json, owned by the publishing
// handler and deleted by the consuming handler on success or on a
// definitive rejection.
package scratch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

// Store roots scratch files under a single base directory (default "outputs").
type Store struct {
	BaseDir string
}

// New constructs a Store rooted at baseDir ("outputs" if empty).
func New(baseDir string) *Store {
	if baseDir == "" {
		baseDir = "outputs"
	}
	return &Store{BaseDir: baseDir}
}

func (s *Store) path(configID, name string) string {
	return filepath.Join(s.BaseDir, configID, name)
}

// Write persists dataValues for configID and returns the path a follow-up
// job should reference.
func (s *Store) Write(configID string, dataValues []map[string]interface{}) (string, error) {
	dir := filepath.Join(s.BaseDir, configID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "create scratch dir for "+configID, err)
	}

	name := uuid.New().String() + ".json"
	full := filepath.Join(dir, name)

	encoded, err := json.Marshal(jobs.ScratchFile{DataValues: dataValues})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "marshal scratch file", err)
	}
	if err := os.WriteFile(full, encoded, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "write scratch file "+full, err)
	}
	return full, nil
}

// Read loads a scratch file, failing with PayloadInvalid if it is missing,
// corrupt, or has an empty/absent dataValues array.
func (s *Store) Read(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPayloadInvalid, "read scratch file "+path, err)
	}
	var file jobs.ScratchFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, apperr.Wrap(apperr.KindPayloadInvalid, "decode scratch file "+path, err)
	}
	if len(file.DataValues) == 0 {
		return nil, apperr.New(apperr.KindPayloadInvalid, fmt.Sprintf("scratch file %s has no dataValues", path))
	}
	return file.DataValues, nil
}

// Delete removes a scratch file. Deleting an already-deleted file is not an
// error (the upload handler's finalize step is idempotent).
func (s *Store) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, "delete scratch file "+path, err)
	}
	return nil
}
