// Package scanners provides the tool adapter registry and the built-in
// scanner set.
package scanners

import (
	"sort"
	"sync"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/scanners/chainsaw"
	"github.com/sentriva/hostscan/pkg/scanners/clamav"
	"github.com/sentriva/hostscan/pkg/scanners/hayabusa"
	"github.com/sentriva/hostscan/pkg/scanners/hollowshunter"
	"github.com/sentriva/hostscan/pkg/scanners/sysinternals"
	"github.com/sentriva/hostscan/pkg/scanners/yarax"
)

// =============================================================================
// Scanner Registry - Plugin system for tool adapters
// =============================================================================

// Registry manages registered scanners by tool name.
type Registry struct {
	scanners map[string]core.Scanner
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[string]core.Scanner)}
}

// Config carries per-scanner options for the default registry.
type Config struct {
	ClamAV        clamav.Options
	YaraX         yarax.Options
	HollowsHunter hollowshunter.Options
	Hayabusa      hayabusa.Options
	Chainsaw      chainsaw.Options
	Autorunsc     sysinternals.AutorunscOptions
	Sigcheck      sysinternals.SigcheckOptions
}

// DefaultConfig returns the default per-scanner options.
func DefaultConfig() Config {
	return Config{ClamAV: clamav.DefaultOptions()}
}

// NewDefaultRegistry creates a registry with all built-in scanners.
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	r.Register(clamav.NewScanner(cfg.ClamAV))
	r.Register(yarax.NewScanner(cfg.YaraX))
	r.Register(hollowshunter.NewScanner(cfg.HollowsHunter))
	r.Register(hayabusa.NewScanner(cfg.Hayabusa))
	r.Register(chainsaw.NewScanner(cfg.Chainsaw))
	r.Register(sysinternals.NewAutorunscScanner(cfg.Autorunsc))
	r.Register(sysinternals.NewSigcheckScanner(cfg.Sigcheck))
	r.Register(sysinternals.NewListDllsScanner())
	return r
}

// Register adds a scanner, replacing any existing registration for the
// same tool name.
func (r *Registry) Register(s core.Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[s.Tool()] = s
}

// Get returns the scanner for a tool name, or nil when unregistered.
func (r *Registry) Get(name string) core.Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanners[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scanners))
	for name := range r.scanners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
