package tasks

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/vmbridge/errors"
)

// Manifest lists the programs of a deployment and the one run at startup.
//
//	init: 3
//	programs:
//	  - id: 1
//	    name: producer
//	    path: producer.o
type Manifest struct {
	Programs []ManifestProgram `yaml:"programs"`
	Init     int               `yaml:"init"`

	dir string
}

// ManifestProgram is one program entry. Path is relative to the manifest.
type ManifestProgram struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	ID   int    `yaml:"id"`
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read manifest "+path)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes and validates a manifest. Paths resolve against the
// working directory.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindMalformed, err, "parse manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks ids, names, paths and the init reference.
func (m *Manifest) Validate() error {
	if len(m.Programs) == 0 {
		return invalid("programs", "at least one program is required")
	}
	if len(m.Programs) > MaxPrograms {
		return invalid("programs", fmt.Sprintf("%d programs exceed the limit of %d", len(m.Programs), MaxPrograms))
	}
	seen := make(map[int]bool, len(m.Programs))
	for i, p := range m.Programs {
		field := fmt.Sprintf("programs[%d]", i)
		if p.ID <= 0 {
			return invalid(field+".id", fmt.Sprintf("id %d must be positive", p.ID))
		}
		if seen[p.ID] {
			return invalid(field+".id", fmt.Sprintf("duplicate id %d", p.ID))
		}
		seen[p.ID] = true
		if p.Path == "" {
			return invalid(field+".path", "path is required")
		}
	}
	if m.Init != 0 && !seen[m.Init] {
		return invalid("init", fmt.Sprintf("init program %d is not listed", m.Init))
	}
	return nil
}

func invalid(field, msg string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Symbol(field).
		Detail("%s", msg).
		Build()
}

// PathOf returns the file path of a program entry.
func (m *Manifest) PathOf(p ManifestProgram) string {
	if filepath.IsAbs(p.Path) || m.dir == "" {
		return p.Path
	}
	return filepath.Join(m.dir, p.Path)
}

// Register reads every program image and registers it in r.
func (m *Manifest) Register(r *Registry) error {
	for _, p := range m.Programs {
		image, err := os.ReadFile(m.PathOf(p))
		if err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, fmt.Sprintf("read program %d", p.ID))
		}
		name := p.Name
		if name == "" {
			name = filepath.Base(p.Path)
		}
		if err := r.Register(p.ID, name, image); err != nil {
			return err
		}
	}
	return nil
}
