// Package identity computes content hashes and stable addresses for runs
// and tasks. The hash is taken over a canonicalized JSON serialization in
// which object keys are sorted recursively, so two structurally equal
// values hash identically regardless of key order. Array order is
// significant and preserved.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Hash returns the hex-encoded SHA-256 of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("identity: marshal: %w", err)
	}

	return HashJSON(data)
}

// HashJSON returns the hex-encoded SHA-256 of the canonical form of raw
// JSON. Empty input hashes as JSON null.
func HashJSON(raw []byte) (string, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("identity: invalid JSON: %w", err)
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, decoded); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(sb.String()))

	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical appends the canonical encoding of v: objects with keys
// sorted recursively, arrays in order, scalars via encoding/json.
func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("identity: marshal key: %w", err)
			}
			sb.Write(kj)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')

		return nil
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')

		return nil
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("identity: marshal scalar: %w", err)
		}
		sb.Write(enc)

		return nil
	}
}

// RunAddress composes the uniqueness key for a workflow run:
// name/versionID/referenceOrHash.
func RunAddress(name, versionID, referenceOrHash string) string {
	return name + "/" + versionID + "/" + referenceOrHash
}

// TaskAddress composes the uniqueness key for a task within a run:
// name/referenceOrHash.
func TaskAddress(name, referenceOrHash string) string {
	return name + "/" + referenceOrHash
}
