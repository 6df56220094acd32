// Package identity loads the node's stable device id, creating and
// persisting one on first run.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Load returns the id stored at path, generating and saving a new one if the
// file is missing or blank. A failure to save is logged and the generated id
// is still returned for this run.
func Load(path string, log *zap.Logger) (string, error) {
	if log == nil {
		log = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			log.Info("loaded existing device id", zap.String("id", id))
			return id, nil
		}
	case !os.IsNotExist(err):
		log.Warn("failed to read id file", zap.String("path", path), zap.Error(err))
	}

	id := uuid.NewString()
	if err := save(path, id); err != nil {
		log.Warn("failed to save id file", zap.String("path", path), zap.Error(err))
		return id, nil
	}
	log.Info("generated new device id", zap.String("id", id))
	return id, nil
}

func save(path, id string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create id dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return fmt.Errorf("write id file: %w", err)
	}
	return nil
}
