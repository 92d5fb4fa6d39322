package config

import (
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

// LoadThresholds reads the threshold file. ok is false when the file does not
// exist.
func LoadThresholds(path string) (model.QualityThresholdConfig, bool, error) {
	var t model.QualityThresholdConfig

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, false, nil
	}
	if err != nil {
		return t, false, eris.Wrapf(err, "config: read threshold file %s", path)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, false, eris.Wrapf(err, "config: parse threshold file %s", path)
	}
	if err := t.Validate(); err != nil {
		return t, false, eris.Wrapf(err, "config: threshold file %s", path)
	}
	return t, true, nil
}

// SaveThresholds validates t and atomically replaces the threshold file.
func SaveThresholds(path string, t model.QualityThresholdConfig) error {
	if err := t.Validate(); err != nil {
		return eris.Wrap(err, "config: save thresholds")
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "config: marshal thresholds")
	}
	if err := store.WriteFileAtomic(path, data); err != nil {
		return eris.Wrap(err, "config: save thresholds")
	}
	return nil
}
