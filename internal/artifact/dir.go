package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore keeps artifacts on local disk. It backs development setups
// without object storage.
type DirStore struct {
	root string
	refs references
}

func NewDirStore(root, publicURL string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if publicURL == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		publicURL = "file://" + filepath.ToSlash(abs)
	}
	return &DirStore{root: root, refs: newReferences(publicURL)}, nil
}

func (s *DirStore) Save(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit artifact %s: %w", name, err)
	}
	return s.refs.reference(name), nil
}

func (s *DirStore) Load(ctx context.Context, reference string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := s.refs.object(reference)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

func (s *DirStore) Ping(context.Context) error {
	_, err := os.Stat(s.root)
	return err
}
