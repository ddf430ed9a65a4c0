package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// LocalStorage keeps archive files on the local filesystem. Writes go
// through a temp file and rename so readers never observe partial objects.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the directory if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		return nil, errors.NewValidationError("MISSING_ARCHIVE_DIR",
			"archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.NewArchiveFailedError("failed to create archive directory").WithCause(err)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.NewArchiveFailedError("failed to create temp archive file").WithCause(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewArchiveFailedError("failed to write archive file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewArchiveFailedError("failed to close archive file").WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.NewArchiveFailedError("failed to publish archive file").WithCause(err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("archive object")
		}
		return nil, errors.NewArchiveFailedError("failed to read archive file").WithCause(err)
	}
	return data, nil
}

func (s *LocalStorage) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewArchiveFailedError("failed to list archive directory").WithCause(err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewArchiveFailedError("failed to delete archive file").WithCause(err)
	}
	return nil
}

// path rejects names that would escape the archive directory.
func (s *LocalStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", errors.NewValidationError("INVALID_ARCHIVE_NAME",
			"archive object names must be bare file names")
	}
	return filepath.Join(s.dir, name), nil
}
