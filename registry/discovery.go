package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arbor-labs/toolbridge/mcp"
)

// configFilenames are tried in order inside each search directory. The
// first file that exists and parses wins.
var configFilenames = []string{
	"toolbridge.yaml",
	"toolbridge.yml",
	"toolbridge.json",
	"servers.yaml",
	"servers.json",
}

// DefaultSearchDirs returns the configuration search path: the working
// directory, then the user's ~/.toolbridge, then /etc/toolbridge.
func DefaultSearchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".toolbridge"))
	}
	return append(dirs, filepath.Join("/etc", "toolbridge"))
}

// ServerSpec is one server entry in a configuration file. The map key
// supplies the name; Command is the only required field.
type ServerSpec struct {
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	Cwd       string            `yaml:"cwd" json:"cwd"`
	AutoStart bool              `yaml:"auto_start" json:"auto_start"`
}

// discoveryFile accepts the server-map keys seen in the wild. The first
// non-empty map wins, in the order listed here.
type discoveryFile struct {
	Servers  map[string]ServerSpec `yaml:"servers" json:"servers"`
	External map[string]ServerSpec `yaml:"external_servers" json:"external_servers"`
	Working  map[string]ServerSpec `yaml:"working_servers" json:"working_servers"`
}

// DiscoverConfig walks dirs looking for a server configuration file.
// A missing file is not an error: the caller degrades to builtins only.
// A file that exists but cannot be parsed is reported so a typo does not
// silently drop every server.
func DiscoverConfig(dirs []string) (path string, names []string, specs map[string]ServerSpec, err error) {
	for _, dir := range dirs {
		for _, filename := range configFilenames {
			candidate := filepath.Join(dir, filename)
			data, readErr := os.ReadFile(candidate) // #nosec G304 -- path from fixed candidate list
			if readErr != nil {
				continue
			}
			names, specs, err = parseServerFile(data, candidate)
			if err != nil {
				return candidate, nil, nil, err
			}
			return candidate, names, specs, nil
		}
	}
	return "", nil, nil, nil
}

func parseServerFile(data []byte, path string) ([]string, map[string]ServerSpec, error) {
	var file discoveryFile
	if IsYAMLPath(path) {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	specs := file.Servers
	if len(specs) == 0 {
		specs = file.External
	}
	if len(specs) == 0 {
		specs = file.Working
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("parsing %s: no servers, external_servers, or working_servers map", path)
	}

	names := make([]string, 0, len(specs))
	for name, spec := range specs {
		if strings.TrimSpace(spec.Command) == "" {
			return nil, nil, fmt.Errorf("parsing %s: server %q has no command", path, name)
		}
		names = append(names, name)
	}
	// Map iteration order is random; registration order must not be.
	sort.Strings(names)
	return names, specs, nil
}

// IsYAMLPath reports whether path should be parsed (and rewritten) as
// YAML rather than JSON, by extension.
func IsYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfiguration discovers a configuration file and registers every
// server it names. Servers are registered stopped unless their entry
// opts into auto_start. Absence of any file leaves the manager serving
// builtins only and returns an empty path.
func (m *Manager) LoadConfiguration(ctx context.Context) (string, error) {
	path, names, specs, err := DiscoverConfig(m.searchDirs)
	if err != nil {
		return path, err
	}
	if path == "" {
		m.logger.Info("no server configuration found; builtin tools only")
		return "", nil
	}

	for _, name := range names {
		spec := specs[name]
		launch := mcp.LaunchSpec{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			Dir:     spec.Cwd,
		}
		id, err := m.AddServer(ctx, name, launch, spec.AutoStart)
		if err != nil {
			// Registered but failed to start; leave it retriable.
			m.logger.Warn("configured server failed to start", "server", name, "id", id, "error", err)
		}
		m.markFromFile(id)
	}

	m.mu.Lock()
	m.configPath = path
	m.mu.Unlock()
	m.logger.Info("loaded server configuration", "path", path, "servers", len(names))
	return path, nil
}

// ReloadConfiguration drops every file-sourced server and registers the
// current file contents from scratch. Servers added programmatically
// survive the reload.
func (m *Manager) ReloadConfiguration(ctx context.Context) error {
	m.mu.Lock()
	var fileServers []string
	for _, id := range m.order {
		if m.servers[id].fromFile {
			fileServers = append(fileServers, id)
		}
	}
	m.mu.Unlock()

	for _, id := range fileServers {
		if err := m.RemoveServer(ctx, id); err != nil {
			m.logger.Warn("stopping server during reload", "id", id, "error", err)
		}
	}
	_, err := m.LoadConfiguration(ctx)
	return err
}

// ConfigPath reports the configuration file currently in effect, or ""
// when running builtins only.
func (m *Manager) ConfigPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configPath
}

func (m *Manager) markFromFile(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.servers[id]; ok {
		entry.fromFile = true
	}
}
