package storage

import (
	"context"
	"log/slog"
	"path/filepath"

	"aaronromeo.com/mailpeek/pkg/utils"
	"github.com/pkg/errors"
)

// FileStore appends each entry, followed by a newline, to a text file.
type FileStore struct {
	path   string
	files  utils.FileManager
	logger *slog.Logger
}

func NewFileStore(path string, files utils.FileManager, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, files: files, logger: logger}
}

func (s *FileStore) Store(ctx context.Context, entries ...string) (err error) {
	if len(entries) == 0 {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.files.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	w, err := s.files.Append(s.path)
	if err != nil {
		return errors.Wrapf(err, "open %s", s.path)
	}
	defer func() {
		if closeErr := s.files.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "close %s", s.path)
		}
	}()

	for _, entry := range entries {
		if _, err := w.Write([]byte(entry + "\n")); err != nil {
			return errors.Wrapf(err, "write %s", s.path)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", s.path)
	}

	s.logger.InfoContext(ctx, "Stored emails", slog.String("path", s.path), slog.Int("count", len(entries)))
	return nil
}
