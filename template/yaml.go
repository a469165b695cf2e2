package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a template document. JSON documents are accepted too
// since they are valid YAML. Unknown fields are rejected.
func ParseYAML(data []byte) (*Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Template
	if err := dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("template: empty document")
		}
		return nil, fmt.Errorf("template: decode: %w", err)
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, errors.New("template: name is required")
	}
	return &t, nil
}

// LoadFile reads and parses a single template file.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("template: read %s: %w", path, err)
	}
	t, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir, sorted by file
// name.
func LoadDir(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("template: read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*Template
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		t, loadErr := LoadFile(filepath.Join(dir, e.Name()))
		if loadErr != nil {
			return nil, loadErr
		}
		out = append(out, t)
	}
	return out, nil
}
