package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAll scans dir recursively for *.yaml and *.yml files and parses each
// into a Bundle, in lexical path order.
func LoadAll(dir string) ([]Bundle, error) {
	var bundles []Bundle
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		b, err := LoadFile(path)
		if err != nil {
			return err
		}
		bundles = append(bundles, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
	}
	return bundles, nil
}

// LoadFile parses a single bundle. Unknown keys are rejected so a typo in a
// flag does not silently fall back to its default.
func LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	b.SourceFile = path
	return b, nil
}

// Parse decodes bundle YAML and records its checksum.
func Parse(data []byte) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return Bundle{}, err
	}
	b.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return b, nil
}
