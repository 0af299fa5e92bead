package mock

import (
	"bytes"
	"os"

	"aaronromeo.com/mailpeek/pkg/utils"
)

type MockWriter struct {
	Buffer *bytes.Buffer
	Err    error
}

func (m MockWriter) Write(p []byte) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Buffer.Write(p)
}

func (m MockWriter) Flush() error {
	return m.Err
}

// MockFileWriter keeps appended content in memory, one buffer per file name.
type MockFileWriter struct {
	Err      error
	WriteErr error
	Writers  map[string]MockWriter
	Mkdirs   map[string]os.FileMode
	Closed   int
}

func NewMockFileWriter() *MockFileWriter {
	return &MockFileWriter{
		Writers: make(map[string]MockWriter),
		Mkdirs:  make(map[string]os.FileMode),
	}
}

func (m *MockFileWriter) Append(name string) (utils.Writer, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	writer, ok := m.Writers[name]
	if !ok {
		writer = MockWriter{Buffer: new(bytes.Buffer)}
	}
	writer.Err = m.WriteErr
	m.Writers[name] = writer
	return writer, nil
}

func (m *MockFileWriter) Close() error {
	m.Closed++
	return nil
}

func (m *MockFileWriter) MkdirAll(path string, perm os.FileMode) error {
	m.Mkdirs[path] = perm
	return m.Err
}
