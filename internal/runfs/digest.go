package runfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Digest computes the canonical sha256 hex digest of raw content.
// Line endings are normalized to LF so the same text produces the same
// digest regardless of the platform that wrote it.
func Digest(data []byte) string {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// DigestFile computes the canonical digest of a file's contents.
func DigestFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from a trusted run root
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return Digest(data), nil
}

// DigestJSON computes the canonical digest of a JSON-encodable value.
// encoding/json sorts map keys, so semantically identical documents always
// yield the same digest regardless of in-memory ordering.
func DigestJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding for digest: %w", err)
	}
	return Digest(data), nil
}

// DigestInputs computes one digest over a set of named inputs. Names are
// sorted before hashing so the caller's ordering is irrelevant; each entry
// contributes its name plus the canonical digest of its content.
func DigestInputs(inputs map[string][]byte) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s\x00%s\x00", name, Digest(inputs[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DigestPaths computes one digest over the contents of the given files.
// Missing files contribute a fixed marker instead of failing, so a digest can
// describe a decision that was made while some inputs were absent.
func DigestPaths(paths []string) string {
	inputs := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // G304: paths are constructed from a trusted run root
		if err != nil {
			inputs[p] = []byte("<absent>")
			continue
		}
		inputs[p] = data
	}
	return DigestInputs(inputs)
}
