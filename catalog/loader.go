package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of one catalog YAML document. A file may
// carry drug modules, regimens, or both.
type catalogFile struct {
	DrugModules []entities.DrugModule `yaml:"drug_modules"`
	Regimens    []entities.Regimen    `yaml:"regimens"`
}

// YAMLLoader reads every *.yaml / *.yml file of a directory, in file name
// order, and merges them into one Snapshot.
type YAMLLoader struct {
	dir string
}

// NewYAMLLoader creates a loader for the given catalog directory.
func NewYAMLLoader(dir string) *YAMLLoader {
	return &YAMLLoader{dir: dir}
}

// Source describes where the loader reads from.
func (l *YAMLLoader) Source() string {
	return "yaml:" + l.dir
}

// Load parses the directory and builds a Snapshot.
func (l *YAMLLoader) Load(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory %s: %w", l.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no catalog files found in %s", l.dir)
	}

	var modules []entities.DrugModule
	var regimens []entities.Regimen
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(l.dir, name)
		cf, err := parseCatalogFile(path)
		if err != nil {
			return nil, err
		}
		modules = append(modules, cf.DrugModules...)
		regimens = append(regimens, cf.Regimens...)
	}

	snapshot, err := NewSnapshot(modules, regimens)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog in %s: %w", l.dir, err)
	}
	return snapshot, nil
}

func parseCatalogFile(path string) (*catalogFile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(buf, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return &cf, nil
}
