// Package definition loads workflow type definitions from YAML, validates
// them, and serves them from a registry with atomic snapshot swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seiforesti/data-wave-sub007/model"
)

// Loader scans directories for YAML definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DomainDefinition. Files are returned in path order so reloads
// are deterministic. Dot-files are skipped.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	var paths []string

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.Strings(paths)
	defs := make([]model.DomainDefinition, 0, len(paths))
	for _, path := range paths {
		def, err := l.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. Unknown keys are
// rejected so typos in a definition surface at load time.
func (l *Loader) LoadFile(path string) (model.DomainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(path, data)
}

// Parse decodes definition YAML read from source.
func (l *Loader) Parse(source string, data []byte) (model.DomainDefinition, error) {
	var def model.DomainDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.DomainDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source
	return def, nil
}
