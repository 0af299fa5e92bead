package utils

import (
	"bufio"
	"os"
)

type Writer interface {
	Write(p []byte) (n int, err error)
	Flush() error
}

type FileManager interface {
	Append(name string) (Writer, error)
	Close() error
	MkdirAll(path string, perm os.FileMode) error
}

// OSFileManager manages one open file at a time.
type OSFileManager struct {
	outfile *os.File
	writer  *bufio.Writer
}

func NewOSFileManager() *OSFileManager {
	return &OSFileManager{}
}

// Append opens name for appending, creating it with 0644 if missing.
func (fm *OSFileManager) Append(name string) (Writer, error) {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fm.outfile = f
	fm.writer = bufio.NewWriter(f)
	return fm.writer, nil
}

func (fm *OSFileManager) Close() error {
	if fm.outfile == nil {
		return nil
	}
	defer func() {
		fm.outfile = nil
		fm.writer = nil
	}()

	if err := fm.writer.Flush(); err != nil {
		fm.outfile.Close() //nolint:errcheck
		return err
	}
	return fm.outfile.Close()
}

func (fm *OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
