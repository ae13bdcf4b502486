package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Content bodies at or above this size are spilled to content-addressed
// files and replaced in the row by a reference sentinel.
const contentSpillSize = 4096

const contentRefPrefix = "ctcontent:"

// ContentStore spills large message bodies to files named by their sha256
// digest. Small bodies pass through inline. Nil receivers disable spilling,
// which the in-memory store relies on.
type ContentStore struct {
	dir string
}

// NewContentStore creates the spill directory if needed.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating content dir: %w", err)
	}
	return &ContentStore{dir: dir}, nil
}

// Put stores content and returns what should be written to the row: the
// content itself when small, a reference sentinel when spilled.
func (c *ContentStore) Put(content []byte) (string, error) {
	if c == nil || len(content) < contentSpillSize {
		return string(content), nil
	}
	sum := sha256.Sum256(content)
	name := hex.EncodeToString(sum[:])
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return "", fmt.Errorf("spilling content: %w", err)
		}
	}
	return contentRefPrefix + name, nil
}

// Resolve turns a row value back into the content body, following a spill
// reference when present.
func (c *ContentStore) Resolve(stored string) ([]byte, error) {
	name, ok := refName(stored)
	if !ok {
		return []byte(stored), nil
	}
	if c == nil {
		return nil, fmt.Errorf("content reference %q with no content store", name)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, fmt.Errorf("resolving content %s: %w", name, err)
	}
	return data, nil
}

// Release removes the spilled file behind a row value, if any. Safe to call
// on inline content and on already-released references.
func (c *ContentStore) Release(stored string) error {
	name, ok := refName(stored)
	if !ok || c == nil {
		return nil
	}
	err := os.Remove(filepath.Join(c.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing content %s: %w", name, err)
	}
	return nil
}

func refName(stored string) (string, bool) {
	if !strings.HasPrefix(stored, contentRefPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(stored, contentRefPrefix)
	// Digest names only; anything else is inline content that happens to
	// collide with the prefix.
	if len(name) != sha256.Size*2 {
		return "", false
	}
	return name, true
}
