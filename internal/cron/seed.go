package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/avoronkov/pulsecron/internal/schedule"
)

// SeedJob is a declarative job definition read from a YAML file in the seed
// directory. Seeds are applied once at startup: a seed whose name is not
// already present in the store is added.
type SeedJob struct {
	Name           string        `yaml:"name"`
	Enabled        *bool         `yaml:"enabled"`
	Schedule       schedule.Spec `yaml:"schedule"`
	SessionTarget  string        `yaml:"sessionTarget"`
	WakeMode       string        `yaml:"wakeMode"`
	Payload        Payload       `yaml:"payload"`
	DeleteAfterRun bool          `yaml:"deleteAfterRun"`
}

type seedFile struct {
	Jobs []SeedJob `yaml:"jobs"`
}

// loadSeeds reads every .yaml/.yml file in dir, in lexical order. A missing
// directory yields no seeds.
func loadSeeds(dir string) ([]SeedJob, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var seeds []SeedJob
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
		}

		var f seedFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
		}

		for i, seed := range f.Jobs {
			if seed.Name == "" {
				return nil, fmt.Errorf("seed file %s: job %d has no name", path, i)
			}
			seeds = append(seeds, seed)
		}
	}

	return seeds, nil
}
