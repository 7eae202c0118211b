package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	conductorotel "github.com/orbist/conductor/internal/otel"
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/manifest")

// ErrUnknownAgent is returned when neither id nor scope resolves a manifest.
var ErrUnknownAgent = errors.New("unknown agent")

// Registry holds all loaded manifests, looked up by id or by scope.
// Constructed once at process start; read-only thereafter.
type Registry struct {
	byID    map[string]*Manifest
	byScope map[string]*Manifest
	ordered []*Manifest
}

// NewRegistry builds a registry from already-parsed manifests.
func NewRegistry(manifests []*Manifest) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*Manifest, len(manifests)),
		byScope: make(map[string]*Manifest, len(manifests)),
	}
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", m.ID)
		}
		r.byID[m.ID] = m
		// First manifest declaring a scope wins the scope lookup.
		if _, taken := r.byScope[m.Scope]; !taken {
			r.byScope[m.Scope] = m
		}
		r.ordered = append(r.ordered, m)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

// LoadDir parses every *.yaml / *.yml manifest in dir and builds a registry.
func LoadDir(ctx context.Context, dir string) (*Registry, error) {
	_, span := tracer.Start(ctx, "manifest.load_dir")
	defer span.End()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}

	log.Info().Int("agent_count", len(manifests)).Str("dir", dir).Msg("agent_manifests_loaded")
	return NewRegistry(manifests)
}

// LoadFile parses a single manifest YAML file.
func LoadFile(path string) (*Manifest, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- operator-controlled manifest dir
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.ComputeHash(content)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest %s: %w", path, err)
	}
	return &m, nil
}

// Resolve looks up a manifest by id, falling back to scope.
func (r *Registry) Resolve(idOrScope string) (*Manifest, error) {
	if m, ok := r.byID[idOrScope]; ok {
		return m, nil
	}
	if m, ok := r.byScope[idOrScope]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, idOrScope)
}

// ByID looks up a manifest strictly by id.
func (r *Registry) ByID(id string) (*Manifest, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// ByScope looks up the manifest that owns the given scope.
func (r *Registry) ByScope(scope string) (*Manifest, bool) {
	m, ok := r.byScope[scope]
	return m, ok
}

// All returns manifests ordered by id.
func (r *Registry) All() []*Manifest {
	return append([]*Manifest(nil), r.ordered...)
}
