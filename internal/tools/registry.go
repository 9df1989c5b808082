package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// OriginLocal is the origin recorded for in-process tools.
const OriginLocal = "local"

// Hosted is implemented by tools that stand in for a tool served
// elsewhere. Server names the host exactly as it was configured.
type Hosted interface {
	Server() string
}

// entry is one registered tool plus its provenance.
type entry struct {
	tool   Tool
	origin string
	server string // "" unless tool is Hosted
}

func serverOf(t Tool) string {
	if h, ok := t.(Hosted); ok {
		return h.Server()
	}
	return ""
}

// Registry holds available tools keyed by registered name. All methods
// are safe for concurrent use; lookups take a read lock and only
// registration changes take the write lock.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	tools    map[string]entry
	warnings []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]entry),
	}
}

// Register adds a tool discovered from origin and returns the name it
// was registered under.
//
// A tool whose name is already taken by a different tool is registered
// as "{origin}_{name}" (with a numeric suffix if that is also taken) and
// a warning is recorded; an existing tool is never overwritten. The one
// exception is rediscovery: a Hosted tool whose server already provides
// a tool of the same advertised name replaces that entry in place.
// Origin only labels tools, so two servers whose labels coincide still
// collide.
func (r *Registry) Register(t Tool, origin string) (string, error) {
	if t == nil || t.Name() == "" {
		return "", fmt.Errorf("register tool: name must not be empty")
	}
	if origin == "" {
		origin = OriginLocal
	}

	server := serverOf(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if server != "" {
		for name, e := range r.tools {
			if e.server == server && e.tool.Name() == t.Name() {
				r.tools[name] = entry{tool: t, origin: origin, server: server}
				r.logger.Debug("tool re-registered", "tool", name, "server", server)
				return name, nil
			}
		}
	}

	name := t.Name()
	if existing, taken := r.tools[name]; taken {
		renamed := origin + "_" + name
		for i := 2; ; i++ {
			if _, ok := r.tools[renamed]; !ok {
				break
			}
			renamed = fmt.Sprintf("%s_%s_%d", origin, name, i)
		}

		msg := fmt.Sprintf("tool %q from %s collides with tool from %s; registered as %q",
			name, origin, existing.origin, renamed)
		r.warnings = append(r.warnings, msg)
		r.logger.Warn("tool name collision",
			"tool", name,
			"origin", origin,
			"existing_origin", existing.origin,
			"registered_as", renamed,
		)
		name = renamed
	}

	r.tools[name] = entry{tool: t, origin: origin, server: server}
	return name, nil
}

// Get retrieves a tool by registered name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Origin returns the origin a registered tool came from.
func (r *Registry) Origin(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.origin, ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools sorted by registered name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for name, e := range r.tools {
		infos = append(infos, ToolInfo{
			Name:        name,
			Description: e.tool.Description(),
			InputSchema: e.tool.InputSchema(),
			Origin:      e.origin,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// NamesFrom returns the sorted registered names of tools from origin.
func (r *Registry) NamesFrom(origin string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.tools {
		if e.origin == origin {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NamesServedBy returns the sorted registered names of the Hosted tools
// served by server.
func (r *Registry) NamesServedBy(server string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.tools {
		if server != "" && e.server == server {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// UnregisterServer removes every Hosted tool served by server and
// returns how many were removed.
func (r *Registry) UnregisterServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, e := range r.tools {
		if server != "" && e.server == server {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Warnings returns the collision warnings recorded so far.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}
