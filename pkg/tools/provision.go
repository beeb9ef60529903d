package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
)

// Provision downloads and installs a tool from its release repository.
// Idempotent: an already-resolved tool is a no-op success. Per-tool
// single-flight; concurrent callers for the same tool serialize.
//
// All writes are confined to <toolsDir>/<name>/.
func (m *Manager) Provision(ctx context.Context, name string) error {
	lock := m.toolLock(name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	err := m.provisionLocked(ctx, name)
	m.collector.HistogramObserve(metrics.ToolProvisionDuration.Name, time.Since(start).Seconds(), name)

	status := "success"
	if err != nil {
		status = "failure"
	}
	m.collector.CounterInc(metrics.ToolProvisionsTotal.Name, name, status)
	return err
}

func (m *Manager) provisionLocked(ctx context.Context, name string) error {
	const op = "tools.Provision"

	info, err := m.Resolve(name)
	if err != nil {
		return err
	}
	if info.Installed {
		m.logger.Debug("%s: already installed at %s, skipping", info.DisplayName, info.Path)
		return nil
	}

	provider, err := m.providerFor(info)
	if err != nil {
		return err
	}
	if info.Repo == "" {
		return errors.E(errors.KindProvision, op,
			fmt.Sprintf("%s: no release repository configured", name))
	}

	release, err := provider.LatestRelease(ctx, info.Repo)
	if err != nil {
		return err
	}

	asset := matchAsset(release.Assets, info.AssetPattern)
	if asset == nil {
		return errors.E(errors.KindProvision, op, fmt.Sprintf(
			"%s: no asset matching %q in release %s", name, info.AssetPattern, release.Tag))
	}

	m.logger.Info("downloading %s: %s (%s)", info.DisplayName, asset.Name, release.Tag)
	data, err := provider.Download(ctx, asset)
	if err != nil {
		return err
	}

	if info.ExpectedHash != "" {
		sum := sha256.Sum256(data)
		actual := hex.EncodeToString(sum[:])
		if actual != strings.ToLower(info.ExpectedHash) {
			return errors.E(errors.KindProvision, op, fmt.Sprintf(
				"%s: archive hash mismatch: expected %s, got %s", name, info.ExpectedHash, actual))
		}
	}

	destDir := filepath.Join(m.toolsDir, name)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return provisionOSError(op, err)
	}

	if isArchiveName(asset.Name) {
		if err := extractArchive(asset.Name, data, destDir); err != nil {
			return err
		}
	} else {
		// Bare binary asset (pe-sieve ships the exe directly)
		target := filepath.Join(destDir, asset.Name)
		if err := os.WriteFile(target, data, 0o755); err != nil { //nolint:gosec // tool binary must be executable
			return provisionOSError(op, err)
		}
	}

	if err := fixupExeName(destDir, info.ExeName); err != nil {
		return provisionOSError(op, err)
	}

	resolved, err := m.Resolve(name)
	if err != nil {
		return err
	}
	if !resolved.Installed {
		return errors.E(errors.KindProvision, op, fmt.Sprintf(
			"%s: downloaded but %s not found in %s", name, info.ExeName, destDir))
	}

	if err := os.Chmod(resolved.Path, 0o755); err != nil { //nolint:gosec // tool binary must be executable
		return provisionOSError(op, err)
	}

	m.logger.Info("%s installed to %s", info.DisplayName, resolved.Path)
	return nil
}

// ProvisionAll provisions every tool that supports auto-install, skipping
// tools that already resolve. Returns per-tool outcomes; manual-install
// tools are reported with a provision error rather than aborting the rest.
func (m *Manager) ProvisionAll(ctx context.Context) map[string]error {
	results := make(map[string]error, len(m.catalog))
	for _, name := range m.Names() {
		info := m.catalog[name]
		switch info.InstallMethod {
		case his.InstallGitHubRelease, his.InstallGitLabRelease:
			results[name] = m.Provision(ctx, name)
		default:
			resolved, err := m.Resolve(name)
			if err == nil && resolved.Installed {
				results[name] = nil
				continue
			}
			m.logger.Info("%s: manual install required", info.DisplayName)
			results[name] = errors.E(errors.KindProvision, "tools.ProvisionAll",
				fmt.Sprintf("%s: install_method=%s, cannot auto-install", name, info.InstallMethod))
		}
	}
	return results
}

// providerFor picks the release provider for a tool's install method,
// lazily constructing the real ones from the policy's provision config.
func (m *Manager) providerFor(info *his.ToolInfo) (ReleaseProvider, error) {
	const op = "tools.providerFor"

	switch info.InstallMethod {
	case his.InstallGitHubRelease:
		if m.github == nil {
			m.github = NewGitHubProvider(m.provision.GitHubToken, m.provision.RateEvery)
		}
		return m.github, nil
	case his.InstallGitLabRelease:
		if m.gitlab == nil {
			p, err := NewGitLabProvider(m.provision.GitLabToken, m.provision.RateEvery)
			if err != nil {
				return nil, err
			}
			m.gitlab = p
		}
		return m.gitlab, nil
	default:
		return nil, errors.E(errors.KindProvision, op, fmt.Sprintf(
			"%s: install_method=%s, cannot auto-install", info.Name, info.InstallMethod))
	}
}

// matchAsset returns the first asset whose name matches the glob pattern,
// case-insensitively.
func matchAsset(assets []ReleaseAsset, pattern string) *ReleaseAsset {
	if pattern == "" {
		return nil
	}
	pattern = strings.ToLower(pattern)
	for i := range assets {
		ok, err := path.Match(pattern, strings.ToLower(assets[i].Name))
		if err == nil && ok {
			return &assets[i]
		}
	}
	return nil
}

// fixupExeName renames a versioned executable to the expected canonical
// name. Some tools ship binaries like hayabusa-3.8.0-win-x64.exe; when the
// expected name is absent, the first exe sharing the base name is renamed.
func fixupExeName(destDir, expectedName string) error {
	found := false
	_ = filepath.WalkDir(destDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == expectedName {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if found {
		return nil
	}

	base := strings.TrimSuffix(expectedName, filepath.Ext(expectedName))
	ext := filepath.Ext(expectedName)

	var renameErr error
	_ = filepath.WalkDir(destDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == expectedName || !strings.HasPrefix(name, base) || filepath.Ext(name) != ext {
			return nil
		}
		target := filepath.Join(filepath.Dir(p), expectedName)
		renameErr = os.Rename(p, target)
		return fs.SkipAll
	})
	return renameErr
}

// isArchiveName reports whether an asset should be unpacked rather than
// installed directly.
func isArchiveName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz") ||
		strings.HasSuffix(lower, ".tar.zst")
}

// provisionOSError maps filesystem failures to the permission kind where
// the cause is a permission denial.
func provisionOSError(op string, err error) error {
	if os.IsPermission(err) {
		return errors.E(errors.KindProvisionPermission, op, err)
	}
	return errors.E(errors.KindProvision, op, err)
}
