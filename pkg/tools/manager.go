// Package tools manages external detection tool binaries - discovery,
// verification, and release-based provisioning into the bundled tools dir.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/policy"
)

const defaultProbeTimeout = 5 * time.Second

// Manager resolves, verifies, and provisions external tool binaries.
//
// Resolution order:
//  1. Explicit path from a policy override
//  2. Bundled dir <toolsDir>/<name>/ (direct, then recursive), plus the
//     flat tools dir
//  3. System PATH
//
// Absence is a reportable state, never an error: an unresolved tool comes
// back with Installed=false and a nil error.
type Manager struct {
	toolsDir  string
	catalog   map[string]*his.ToolInfo
	overrides map[string]policy.ToolOverride
	provision policy.ProvisionConfig

	github ReleaseProvider
	gitlab ReleaseProvider

	logger    core.Logger
	collector metrics.Collector

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.collector = c
		}
	}
}

// WithGitHubProvider overrides the GitHub release provider (tests inject a
// stub here).
func WithGitHubProvider(p ReleaseProvider) ManagerOption {
	return func(m *Manager) { m.github = p }
}

// WithGitLabProvider overrides the GitLab release provider.
func WithGitLabProvider(p ReleaseProvider) ManagerOption {
	return func(m *Manager) { m.gitlab = p }
}

// WithCatalogEntry registers an additional tool (or replaces a built-in
// entry with the same name). Policy overrides apply to it the same way
// they apply to built-in entries.
func WithCatalogEntry(info *his.ToolInfo) ManagerOption {
	return func(m *Manager) {
		if info != nil && info.Name != "" {
			m.catalog[info.Name] = m.applyOverride(info)
		}
	}
}

// NewManager builds a Manager from the built-in catalog merged with the
// policy's per-tool overrides.
func NewManager(pol *policy.SecurityPolicy, opts ...ManagerOption) *Manager {
	if pol == nil {
		pol = policy.Default()
	}

	m := &Manager{
		toolsDir:  pol.ToolsDir,
		catalog:   make(map[string]*his.ToolInfo),
		overrides: pol.ToolOverrides,
		provision: pol.Provision,
		logger:    &core.NopLogger{},
		collector: metrics.GetDefaultCollector(),
		inflight:  make(map[string]*sync.Mutex),
	}

	for _, def := range DefaultCatalog() {
		m.catalog[def.Name] = m.applyOverride(def)
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// applyOverride merges a policy override into a catalog entry.
func (m *Manager) applyOverride(def *his.ToolInfo) *his.ToolInfo {
	info := def.Clone()
	ov, ok := m.overrides[def.Name]
	if !ok {
		return info
	}
	if ov.Path != "" {
		info.Path = ov.Path
	}
	if ov.ExpectedHash != "" {
		info.ExpectedHash = strings.ToLower(ov.ExpectedHash)
	}
	return info
}

// Names returns all registered tool names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.catalog))
	for name := range m.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the catalog entry for a tool without resolving it.
func (m *Manager) Info(name string) (*his.ToolInfo, error) {
	def, ok := m.catalog[name]
	if !ok {
		return nil, errors.E(errors.KindConfig, "tools.Info", fmt.Sprintf("unknown tool: %s", name))
	}
	return def.Clone(), nil
}

// Resolve locates a tool binary and returns a fresh ToolInfo describing
// the outcome. A tool that cannot be found is not an error: the returned
// info has Installed=false. Only an unknown tool name fails.
func (m *Manager) Resolve(name string) (*his.ToolInfo, error) {
	def, ok := m.catalog[name]
	if !ok {
		return nil, errors.E(errors.KindConfig, "tools.Resolve", fmt.Sprintf("unknown tool: %s", name))
	}

	info := def.Clone()

	// 1. Explicit configured path
	if info.Path != "" {
		if isFile(info.Path) {
			info.Installed = true
			info.Source = his.SourceConfigured
			m.logger.Debug("%s: found at configured path %s", info.DisplayName, info.Path)
			m.recordCheck(name, "found")
			return info, nil
		}
		m.logger.Warn("%s: configured path %s does not exist", info.DisplayName, info.Path)
	}

	// 2. Bundled dir <toolsDir>/<name>/, then the flat tools dir
	for _, candidate := range exeCandidates(info.ExeName) {
		if path := m.findBundled(name, candidate); path != "" {
			info.Path = path
			info.Installed = true
			info.Source = his.SourceBundled
			m.logger.Debug("%s: found at %s", info.DisplayName, path)
			m.recordCheck(name, "found")
			return info, nil
		}
	}

	// 3. System PATH
	for _, candidate := range exeCandidates(info.ExeName) {
		if path, err := exec.LookPath(candidate); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			info.Path = path
			info.Installed = true
			info.Source = his.SourceSystem
			m.logger.Debug("%s: found on PATH at %s", info.DisplayName, path)
			m.recordCheck(name, "found")
			return info, nil
		}
	}

	info.Path = ""
	info.Installed = false
	m.logger.Debug("%s: not found", info.DisplayName)
	m.recordCheck(name, "missing")
	return info, nil
}

// findBundled searches <toolsDir>/<name>/ directly, then recursively
// (release zips often nest the binary a level down), then the flat
// tools dir itself.
func (m *Manager) findBundled(name, exeName string) string {
	toolDir := filepath.Join(m.toolsDir, name)

	direct := filepath.Join(toolDir, exeName)
	if isFile(direct) {
		return absOrSame(direct)
	}

	if fi, err := os.Stat(toolDir); err == nil && fi.IsDir() {
		var found string
		_ = filepath.WalkDir(toolDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || found != "" {
				return fs.SkipAll
			}
			if !d.IsDir() && d.Name() == exeName {
				found = path
				return fs.SkipAll
			}
			return nil
		})
		if found != "" {
			return absOrSame(found)
		}
	}

	flat := filepath.Join(m.toolsDir, exeName)
	if isFile(flat) {
		return absOrSame(flat)
	}
	return ""
}

// CheckAll resolves every registered tool. The map is rebuilt on each
// call; entries are never cached between checks.
func (m *Manager) CheckAll() map[string]*his.ToolInfo {
	out := make(map[string]*his.ToolInfo, len(m.catalog))
	for name := range m.catalog {
		info, err := m.Resolve(name)
		if err != nil {
			continue
		}
		out[name] = info
	}
	return out
}

// Verify runs the tool's version probe and fills in Version and Verified
// on success. A failed probe leaves both unset without touching the
// tool's resolved availability.
func (m *Manager) Verify(ctx context.Context, info *his.ToolInfo) {
	if info == nil || !info.Installed || info.Path == "" {
		return
	}

	args := info.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}

	line, err := core.ProbeBinary(ctx, info.Path, args, defaultProbeTimeout)
	if err != nil {
		m.logger.Debug("%s: version probe failed: %v", info.DisplayName, err)
		return
	}
	info.Version = line
	info.Verified = true
}

// VerifyIntegrity compares the resolved binary's SHA256 against the
// configured expected hash. Tools without a configured hash pass.
func (m *Manager) VerifyIntegrity(name string) (bool, error) {
	info, err := m.Resolve(name)
	if err != nil {
		return false, err
	}
	if !info.Installed {
		return false, nil
	}
	if info.ExpectedHash == "" {
		m.logger.Debug("%s: no expected hash configured, skipping verification", info.DisplayName)
		return true, nil
	}

	actual, err := sha256File(info.Path)
	if err != nil {
		return false, errors.E(errors.KindInternal, "tools.VerifyIntegrity", err)
	}
	if actual != strings.ToLower(info.ExpectedHash) {
		m.logger.Warn("%s hash mismatch: expected %s, got %s", info.DisplayName, info.ExpectedHash, actual)
		return false, nil
	}
	return true, nil
}

// recordCheck emits the tool-check counter.
func (m *Manager) recordCheck(tool, result string) {
	m.collector.CounterInc(metrics.ToolChecksTotal.Name, tool, result)
}

// toolLock returns the per-tool single-flight lock.
func (m *Manager) toolLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.inflight[name]
	if !ok {
		lock = &sync.Mutex{}
		m.inflight[name] = lock
	}
	return lock
}

// exeCandidates returns the binary names to look for. Catalog entries
// carry Windows exe names; on other platforms the same tool typically
// installs without the extension.
func exeCandidates(exeName string) []string {
	bare := strings.TrimSuffix(exeName, ".exe")
	if bare == exeName {
		return []string{exeName}
	}
	return []string{exeName, bare}
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func absOrSame(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
