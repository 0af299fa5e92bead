package utils

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// WrapError prefixes err with the file and line of the caller, for log
// attributes. The wrapped error stays reachable through errors.Is/As.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return err
	}
	return fmt.Errorf("error at %s:%d: %w", filepath.Base(file), line, err)
}
