// Package policy defines the SecurityPolicy consumed by the scan pipeline:
// enforcement mode, allowed filesystem roots and commands, artifact limits,
// per-tool overrides, and profile definitions.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
)

// Mode selects how strictly targets and commands are checked.
type Mode string

const (
	// ModeStrict requires every target path to resolve under an allowed
	// root and every command basename to be allowlisted.
	ModeStrict Mode = "strict"

	// ModePermissive bypasses path and command checks. Artifact size
	// limits still apply.
	ModePermissive Mode = "permissive"
)

// ToolOverride customizes one tool's resolution and options.
type ToolOverride struct {
	// Path pins the tool binary to an explicit location
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// ExpectedHash pins the binary to a SHA256 digest
	ExpectedHash string `yaml:"expected_hash,omitempty" json:"expected_hash,omitempty"`

	// Options carries per-tool knobs (rules_dir, min_level, ...)
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Step is one (tool, request) pair inside a profile.
type Step struct {
	Tool      string            `yaml:"tool" json:"tool"`
	Target    his.ScanTarget    `yaml:"target,omitempty" json:"target,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ExtraArgs []string          `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
	Options   map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Profile is a named, ordered list of scan steps run together.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// RetryPolicy controls pipeline retry behavior. Retry eligibility is a
// policy knob, not a hard-coded default: RetryOn lists the error kinds
// that qualify.
type RetryPolicy struct {
	// MaxAttempts is the total execution attempts per scanner (1 = no retry)
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// RetryOn lists retry-eligible error kinds by name
	// ("timeout", "execution"). Parse errors are never eligible.
	RetryOn []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`

	// BaseDelay is the backoff base interval between attempts
	BaseDelay time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`

	// MaxDelay caps the backoff interval
	MaxDelay time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// RetryKinds maps the configured kind names to error kinds.
func (r *RetryPolicy) RetryKinds() []errors.Kind {
	kinds := make([]errors.Kind, 0, len(r.RetryOn))
	for _, name := range r.RetryOn {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timeout":
			kinds = append(kinds, errors.KindTimeout)
		case "execution":
			kinds = append(kinds, errors.KindExecution)
		case "tool_unavailable":
			kinds = append(kinds, errors.KindToolUnavailable)
		}
	}
	return kinds
}

// ProvisionConfig configures release-provider access for tool downloads.
type ProvisionConfig struct {
	GitHubToken string `yaml:"github_token,omitempty" json:"-"`
	GitLabToken string `yaml:"gitlab_token,omitempty" json:"-"`

	// RateEvery throttles release-API requests (one request per interval)
	RateEvery time.Duration `yaml:"rate_every,omitempty" json:"rate_every,omitempty"`
}

// SecurityPolicy is the full policy document consumed by the pipeline core.
type SecurityPolicy struct {
	Mode Mode `yaml:"mode" json:"mode"`

	// AllowedRoots are the filesystem roots scan targets must resolve
	// under in strict mode. Empty means all paths are allowed.
	AllowedRoots []string `yaml:"allowed_roots,omitempty" json:"allowed_roots,omitempty"`

	// AllowedCommands are the command basenames permitted in strict mode.
	// Empty means all commands are allowed.
	AllowedCommands []string `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty"`

	// MaxArtifactSize caps captured output and collected artifacts (bytes).
	MaxArtifactSize int64 `yaml:"max_artifact_size,omitempty" json:"max_artifact_size,omitempty"`

	// ToolsDir is the bundled tool directory used for resolution and
	// provisioning. Provisioning writes are confined to this directory.
	ToolsDir string `yaml:"tools_dir,omitempty" json:"tools_dir,omitempty"`

	// OutputDir is where per-scan work directories are created.
	OutputDir string `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`

	// ToolOverrides merge over the built-in tool catalog by name.
	ToolOverrides map[string]ToolOverride `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Profiles defined by the operator; merged over the built-ins by name.
	Profiles []Profile `yaml:"profiles,omitempty" json:"profiles,omitempty"`

	// Concurrency bounds simultaneous external processes per run.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	Retry     RetryPolicy     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Provision ProvisionConfig `yaml:"provision,omitempty" json:"provision,omitempty"`
}

// Default returns a policy with conservative defaults.
func Default() *SecurityPolicy {
	return &SecurityPolicy{
		Mode:            ModeStrict,
		MaxArtifactSize: 32 * 1024 * 1024,
		ToolsDir:        "./tools",
		OutputDir:       "./data/security/scans",
		Concurrency:     2,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			RetryOn:     []string{"timeout", "execution"},
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Load reads a YAML policy file and validates it.
func Load(path string) (*SecurityPolicy, error) {
	const op = "policy.Load"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, errors.KindConfig, fmt.Sprintf("read %s", path), err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.E(op, errors.KindConfig, fmt.Sprintf("parse %s", path), err)
	}

	if err := p.Validate(); err != nil {
		return nil, errors.E(op, errors.KindConfig, "invalid policy", err)
	}
	return p, nil
}

// Validate checks the policy for internal consistency.
func (p *SecurityPolicy) Validate() error {
	v := core.NewValidator()
	v.OneOf("mode", string(p.Mode), []string{string(ModeStrict), string(ModePermissive)})
	v.Required("tools_dir", p.ToolsDir)
	v.Required("output_dir", p.OutputDir)
	if p.Concurrency != 0 {
		v.Min("concurrency", p.Concurrency, 1)
		v.Max("concurrency", p.Concurrency, 64)
	}
	if p.Retry.MaxAttempts != 0 {
		v.Min("retry.max_attempts", p.Retry.MaxAttempts, 1)
		v.Max("retry.max_attempts", p.Retry.MaxAttempts, 10)
	}
	for name, ov := range p.ToolOverrides {
		v.SHA256Hex(fmt.Sprintf("tool_overrides.%s.expected_hash", name), ov.ExpectedHash)
	}
	for i, profile := range p.Profiles {
		field := fmt.Sprintf("profiles[%d]", i)
		v.Required(field+".name", profile.Name)
		if len(profile.Steps) == 0 {
			v.Custom(field+".steps", func() bool { return false }, "must contain at least one step")
		}
		for j, step := range profile.Steps {
			v.Required(fmt.Sprintf("%s.steps[%d].tool", field, j), step.Tool)
		}
	}
	return v.Validate()
}

// ProfileByName returns the named operator-defined profile.
func (p *SecurityPolicy) ProfileByName(name string) (*Profile, bool) {
	for i := range p.Profiles {
		if p.Profiles[i].Name == name {
			return &p.Profiles[i], true
		}
	}
	return nil, false
}

// PathAllowed reports whether a target path resolves under an allowed root.
// Permissive mode and an empty root list allow everything.
func (p *SecurityPolicy) PathAllowed(path string) bool {
	if p.Mode == ModePermissive || len(p.AllowedRoots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range p.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// CommandAllowed reports whether a command basename is allowlisted.
func (p *SecurityPolicy) CommandAllowed(path string) bool {
	if p.Mode == ModePermissive || len(p.AllowedCommands) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, allowed := range p.AllowedCommands {
		if base == allowed || strings.TrimSuffix(base, filepath.Ext(base)) == allowed {
			return true
		}
	}
	return false
}

// ValidateSpec enforces the policy against a built command spec, between
// build and spawn. Returns KindInvalidRequest on violation.
//
// Process targets are probed for liveness here regardless of mode: a scan
// against a dead PID must be rejected before any tool is spawned.
func (p *SecurityPolicy) ValidateSpec(spec *core.CommandSpec, target his.ScanTarget) error {
	const op = "policy.ValidateSpec"

	if !p.CommandAllowed(spec.Path) {
		return errors.E(op, errors.KindInvalidRequest,
			fmt.Sprintf("command %q is not in the allowed command list", filepath.Base(spec.Path)))
	}
	if target.Type == his.TargetPath && target.Value != "" && !p.PathAllowed(target.Value) {
		return errors.E(op, errors.KindInvalidRequest,
			fmt.Sprintf("target %q is outside the allowed roots", target.Value))
	}
	if target.Type == his.TargetProcess && target.Value != "" {
		pid, err := strconv.Atoi(strings.TrimSpace(target.Value))
		if err != nil || !core.PIDExists(pid) {
			return errors.E(op, errors.KindInvalidRequest,
				fmt.Sprintf("target process %s does not exist", target.Value))
		}
	}
	return nil
}
