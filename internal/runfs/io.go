package runfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/deeplook/expedition/internal/runerr"
)

// appendMu serializes JSONL appends within this process. Cross-process
// exclusion is the guard's job; this only prevents interleaved lines from
// concurrent goroutines sharing a Root.
var appendMu sync.Mutex

// ReadJSON reads and decodes a JSON document.
// Returns a NOT_FOUND typed error if the file does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from a trusted run root
	if err != nil {
		if os.IsNotExist(err) {
			return runerr.Wrap(runerr.CodeNotFound, err, "artifact not found: %s", path)
		}
		return runerr.Wrap(runerr.CodeWriteFailed, err, "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "parsing %s", path)
	}
	return nil
}

// WriteJSONAtomic encodes v and writes it via temp-file-then-rename.
// The rename is the commit point: readers never observe a half-written
// document, and a crash leaves at worst an orphaned temp file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "encoding %s", path)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes bytes via temp-file-then-rename in the target
// directory (same filesystem, so the rename is atomic).
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "creating %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return runerr.Wrap(runerr.CodeWriteFailed, err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return runerr.Wrap(runerr.CodeWriteFailed, err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return runerr.Wrap(runerr.CodeWriteFailed, err, "closing %s", tmpName)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return runerr.Wrap(runerr.CodeWriteFailed, err, "renaming %s to %s", tmpName, path)
	}
	return nil
}

// AppendJSONL marshals v and appends it as one line to path.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "encoding ledger entry")
	}
	data = append(data, '\n')

	appendMu.Lock()
	defer appendMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "creating %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G302: ledgers are non-sensitive operational data
	if err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "opening %s", path)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "appending to %s", path)
	}
	return nil
}

// ReadJSONL decodes every line of a JSONL file into out, which must be a
// pointer to a slice. A missing file yields an empty slice.
func ReadJSONL[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from a trusted run root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "reading %s", path)
	}

	var out []T
	for i, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "parsing %s line %d", path, i+1)
		}
		out = append(out, v)
	}
	return out, nil
}

// Exists reports whether a path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the byte size of a file, or 0 if it does not exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// CopyFile copies src to dst (used by dry-run scratch setup).
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src) //nolint:gosec // G304: paths are constructed from a trusted run root
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return WriteFileAtomic(dst, data)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
