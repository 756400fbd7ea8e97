package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"manga-server/internal/models"
)

// fsStore keeps artifacts on the local filesystem under a root directory.
// Keys map to relative paths one-to-one.
type fsStore struct {
	root   string
	logger *zap.Logger
}

// NewFSStore creates the filesystem-backed Store rooted at root.
func NewFSStore(root string, logger *zap.Logger) (Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &fsStore{root: root, logger: logger.Named("BlobStore")}, nil
}

func (s *fsStore) PutText(ctx context.Context, key, content, mime string) error {
	return s.put(ctx, key, []byte(content), mime)
}

func (s *fsStore) PutBinary(ctx context.Context, key string, data []byte, mime string) error {
	return s.put(ctx, key, data, mime)
}

func (s *fsStore) GetText(ctx context.Context, key string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: blob %s", models.ErrNotFound, key)
		}
		return "", fmt.Errorf("%w: reading blob %s: %v", models.ErrTransient, key, err)
	}
	return string(data), nil
}

func (s *fsStore) put(_ context.Context, key string, data []byte, mime string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating blob dir for %s: %v", models.ErrTransient, key, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: writing blob %s: %v", models.ErrTransient, key, err)
	}
	s.logger.Debug("Blob written",
		zap.String("key", key),
		zap.String("mime", mime),
		zap.Int("size", len(data)),
	)
	return nil
}

// resolve maps a key to an absolute path. Keys embed caller-supplied ids,
// so traversal segments are rejected.
func (s *fsStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: bad blob key %q", models.ErrValidation, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: bad blob key %q", models.ErrValidation, key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

var _ Store = (*fsStore)(nil)
