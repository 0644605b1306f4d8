package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/testgate/internal/model"
	yamlutil "github.com/msageha/testgate/internal/yaml"
)

// WriteSnapshot atomically replaces path with snap.
func WriteSnapshot(path string, snap model.MetricsSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(path, snap); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot written by WriteSnapshot. A file with a bad
// header is quarantined next to it and replaced by its backup when possible.
func ReadSnapshot(path string) (model.MetricsSnapshot, error) {
	var snap model.MetricsSnapshot
	if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeMetricsSnapshot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, err
		}
		restored, recErr := yamlutil.RecoverCorruptedFile(filepath.Join(filepath.Dir(path), "quarantine"), path)
		if recErr != nil || !restored {
			return snap, fmt.Errorf("corrupted metrics snapshot: %w", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := yamlv3.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse metrics snapshot: %w", err)
	}
	return snap, nil
}
