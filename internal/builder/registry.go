package builder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
)

// Entry is one builder definition from builders.yaml.
type Entry struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	Directory string `yaml:"directory"`
	Password  string `yaml:"password"`
	Default   bool   `yaml:"default"`
}

type registryFile struct {
	Builders []*Entry `yaml:"builders"`
}

// Registry holds the configured builders and their adapters.
type Registry struct {
	entries  []*Entry
	adapters map[string]Adapter
	def      string
}

// LoadRegistry parses builders.yaml and constructs an adapter per entry.
// A missing file yields a registry with a single default opencode builder on
// localhost, so a bare checkout still dispatches.
func LoadRegistry(path string, log *logger.Logger) (*Registry, error) {
	var file registryFile

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		file.Builders = []*Entry{{
			Name:    "opencode-local",
			Kind:    "opencode",
			BaseURL: "http://127.0.0.1:4096",
			Default: true,
		}}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read builder registry: %w", err)
	} else if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse builder registry: %w", err)
	}

	if len(file.Builders) == 0 {
		return nil, fmt.Errorf("builder registry %s defines no builders", path)
	}

	r := &Registry{adapters: make(map[string]Adapter)}
	for _, entry := range file.Builders {
		if entry.Name == "" {
			return nil, fmt.Errorf("builder registry entry without a name")
		}
		if _, dup := r.adapters[entry.Name]; dup {
			return nil, fmt.Errorf("duplicate builder name %q", entry.Name)
		}

		var adapter Adapter
		switch entry.Kind {
		case "opencode":
			adapter = NewOpenCodeAdapter(entry.BaseURL, entry.Directory, entry.Password, log)
		default:
			return nil, fmt.Errorf("unknown builder kind %q for %q", entry.Kind, entry.Name)
		}

		r.entries = append(r.entries, entry)
		r.adapters[entry.Name] = adapter
		if entry.Default && r.def == "" {
			r.def = entry.Name
		}
	}
	if r.def == "" {
		r.def = r.entries[0].Name
	}
	return r, nil
}

// NewStaticRegistry builds a registry from pre-constructed adapters, keyed
// by name. Used by embedded setups and tests that bring their own adapter.
func NewStaticRegistry(adapters map[string]Adapter, def string) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), def: def}
	for name, adapter := range adapters {
		r.adapters[name] = adapter
		r.entries = append(r.entries, &Entry{
			Name:    name,
			Kind:    adapter.Kind(),
			Default: name == def,
		})
	}
	return r
}

// Get returns the adapter for a builder name, or the default when name is
// empty.
func (r *Registry) Get(name string) (Adapter, error) {
	if name == "" {
		name = r.def
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, apperrors.NotFound("builder", name)
	}
	return adapter, nil
}

// DefaultName returns the default builder's name.
func (r *Registry) DefaultName() string { return r.def }

// Entries lists the configured builders.
func (r *Registry) Entries() []*Entry { return r.entries }
