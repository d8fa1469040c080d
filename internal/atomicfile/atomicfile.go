// Package atomicfile persists JSON documents so that readers only ever see
// the previous or the new complete content of a file.
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// ErrDecode is returned by ReadJSON when a file is absent or its content
// cannot be decoded. Absence additionally matches fs.ErrNotExist.
var ErrDecode = errors.New("decode error")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

type decodeError struct {
	path string
	err  error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.path, e.err)
}

func (e *decodeError) Unwrap() []error {
	return []error{ErrDecode, e.err}
}

// WriteJSON encodes v as indented JSON into a uniquely named temporary file
// next to path, syncs it and renames it over path.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	pending, err := renameio.NewPendingFile(
		path,
		renameio.WithTempDir(dir),
		renameio.WithPermissions(filePerm),
	)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer pending.Cleanup()

	encoder := json.NewEncoder(pending)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ReadJSON decodes the file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &decodeError{path: path, err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &decodeError{path: path, err: err}
	}
	return nil
}
