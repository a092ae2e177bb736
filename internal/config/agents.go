package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/user/chatflow/internal/types"
)

// AgentRegistry loads agent specs from a directory of YAML files, one
// agent per file. It implements types.AgentRegistry.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[types.AgentID]*types.AgentSpec
}

// LoadAgents reads every *.yaml and *.yml file in dir. A file that fails
// to parse fails the whole load; an empty or missing directory yields an
// empty registry.
func LoadAgents(dir string) (*AgentRegistry, error) {
	reg := &AgentRegistry{agents: make(map[types.AgentID]*types.AgentSpec)}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent file %s: %w", e.Name(), err)
		}
		var spec types.AgentSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parse agent file %s: %w", e.Name(), err)
		}
		if spec.ID == "" {
			return nil, fmt.Errorf("agent file %s: missing id", e.Name())
		}
		if _, dup := reg.agents[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %s in %s", spec.ID, e.Name())
		}
		reg.agents[spec.ID] = &spec
	}

	if err := reg.validateEdges(); err != nil {
		return nil, err
	}
	return reg, nil
}

// validateEdges rejects edges pointing at agents the registry does not
// hold; chain resolution assumes every edge target exists.
func (r *AgentRegistry) validateEdges() error {
	for id, spec := range r.agents {
		for _, target := range spec.Edges {
			if _, ok := r.agents[target]; !ok {
				return fmt.Errorf("agent %s: edge to unknown agent %s", id, target)
			}
		}
	}
	return nil
}

func (r *AgentRegistry) Get(id types.AgentID) (*types.AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.agents[id]
	return spec, ok
}

// List returns the registered agents sorted by ID.
func (r *AgentRegistry) List() []*types.AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AgentSpec, 0, len(r.agents))
	for _, spec := range r.agents {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
