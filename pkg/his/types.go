// Package his defines the Host Inspection Schema: the shared data model for
// tool metadata, scan requests, raw process output, findings, and aggregated
// pipeline results.
//
// IMPORTANT: This package is shared between the agent and the fleet backend.
// Field changes must be backward compatible or coordinated across both.
package his

import (
	"time"

	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// ToolKind classifies what a detection tool looks at.
type ToolKind string

const (
	KindSignature   ToolKind = "signature"   // AV signature scanner (ClamAV)
	KindPattern     ToolKind = "pattern"     // Rule-pattern engine (YARA-X)
	KindMemory      ToolKind = "memory"      // In-memory implant scanner (HollowsHunter)
	KindEventLog    ToolKind = "eventlog"    // Event-log threat hunter (Hayabusa, Chainsaw)
	KindPersistence ToolKind = "persistence" // Persistence auditor (Sysinternals)
	KindService     ToolKind = "service"     // Telemetry service manager (Sysmon)
)

// ToolSource indicates where a tool binary was resolved from.
type ToolSource string

const (
	SourceConfigured ToolSource = "configured-path"
	SourceBundled    ToolSource = "bundled-dir"
	SourceSystem     ToolSource = "system-path"
)

// InstallMethod describes how a tool is provisioned.
type InstallMethod string

const (
	InstallGitHubRelease InstallMethod = "github_release"
	InstallGitLabRelease InstallMethod = "gitlab_release"
	InstallMSI           InstallMethod = "msi"
	InstallManual        InstallMethod = "manual"
)

// ToolInfo is the metadata and resolved location for one external tool.
// Instances are rebuilt on every check, never mutated in place.
type ToolInfo struct {
	// Name is the registered tool name (e.g. "hollows_hunter")
	Name string `json:"name"`

	// DisplayName is the human-readable tool name
	DisplayName string `json:"display_name"`

	// Kind classifies the tool
	Kind ToolKind `json:"kind"`

	// ExeName is the expected binary file name
	ExeName string `json:"exe_name"`

	// Version is set by a successful version probe, empty otherwise
	Version string `json:"version,omitempty"`

	// Path is the resolved binary path, empty when unresolved
	Path string `json:"path,omitempty"`

	// Installed is true when Path resolved to an existing binary
	Installed bool `json:"installed"`

	// Verified is true when the version probe succeeded
	Verified bool `json:"verified"`

	// Source records where the binary was found
	Source ToolSource `json:"source,omitempty"`

	// RequiresAdmin marks tools that need elevated privileges
	RequiresAdmin bool `json:"requires_admin,omitempty"`

	// InstallMethod describes how the tool is provisioned
	InstallMethod InstallMethod `json:"install_method,omitempty"`

	// Repo is the release repository ("owner/name") for auto-provisioning
	Repo string `json:"repo,omitempty"`

	// AssetPattern is the glob matched against release asset names
	AssetPattern string `json:"asset_pattern,omitempty"`

	// ExpectedHash is an optional SHA256 pin for integrity verification
	ExpectedHash string `json:"expected_hash,omitempty"`

	// License records the tool's license for compliance reporting
	License string `json:"license,omitempty"`

	// VersionArgs are the arguments for the version probe (default: --version)
	VersionArgs []string `json:"version_args,omitempty"`
}

// Clone returns a copy of the ToolInfo.
func (t *ToolInfo) Clone() *ToolInfo {
	c := *t
	c.VersionArgs = append([]string(nil), t.VersionArgs...)
	return &c
}

// TargetType classifies what a scan points at.
type TargetType string

const (
	TargetPath     TargetType = "path"
	TargetProcess  TargetType = "process"
	TargetSystem   TargetType = "system"
	TargetEventLog TargetType = "eventlog"
)

// ScanTarget is what to scan - a path, process, whole system, or event logs.
type ScanTarget struct {
	Type      TargetType `json:"type" yaml:"type"`
	Value     string     `json:"value,omitempty" yaml:"value,omitempty"`
	Recursive bool       `json:"recursive,omitempty" yaml:"recursive,omitempty"`
}

// ScanRequest configures a single scan invocation.
// Immutable once constructed by the pipeline.
type ScanRequest struct {
	// Tool is the registered tool name
	Tool string `json:"tool"`

	// Target is what to scan
	Target ScanTarget `json:"target"`

	// Timeout is the hard wall-clock budget for the external process
	Timeout time.Duration `json:"timeout"`

	// ExtraArgs are appended to the tool argv after placeholder expansion.
	// Supported placeholders: {target}, {output_dir}, {pid}.
	ExtraArgs []string `json:"extra_args,omitempty"`

	// Options carries per-tool knobs (rules dir, min level, ...)
	Options map[string]string `json:"options,omitempty"`

	// DryRun logs the command without executing it
	DryRun bool `json:"dry_run,omitempty"`
}

// RawOutput captures everything an external process produced.
// Owned exclusively by the invocation that created it; never shared.
type RawOutput struct {
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`

	// Truncated is set when stdout/stderr hit the configured byte cap
	Truncated bool `json:"truncated,omitempty"`

	// Artifacts holds the contents of files the tool wrote into its work
	// directory, keyed by base name, so parsers stay pure over bytes.
	Artifacts map[string][]byte `json:"-"`

	// OutputFiles lists the paths of collected artifact files
	OutputFiles []string `json:"output_files,omitempty"`
}

// Category classifies a finding.
type Category string

const (
	CategoryMalwareSignature  Category = "malware_signature"
	CategorySuspiciousPattern Category = "suspicious_pattern"
	CategoryMemoryAnomaly     Category = "memory_anomaly"
	CategoryPersistence       Category = "persistence"
	CategoryUnsignedBinary    Category = "unsigned_binary"
	CategoryUnsignedDLL       Category = "unsigned_dll"
	CategoryEventLogAlert     Category = "event_log_alert"
	CategoryAnomaly           Category = "anomaly"
)

// Finding is one normalized security observation produced from tool output.
// Severity and Category are always set: scanners map unclassified output to
// Info / CategoryAnomaly rather than leaving either empty.
type Finding struct {
	// ID is a stable content fingerprint (see pkg/shared/fingerprint)
	ID string `json:"id"`

	// Tool is the tool name that produced the finding
	Tool string `json:"tool"`

	Severity severity.Level `json:"severity"`
	Category Category       `json:"category"`

	Title       string `json:"title"`
	Description string `json:"description"`

	// Target is the scanned object the finding refers to
	Target string `json:"target,omitempty"`

	// Evidence holds the raw key/value fragments backing the finding
	Evidence map[string]string `json:"evidence,omitempty"`

	// MitreATTACK is the technique ID when the tool maps to one
	MitreATTACK string `json:"mitre_attack,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// RawRef points back to the scan that produced this finding, for audit
	RawRef string `json:"raw_ref,omitempty"`
}

// ScanStatus is the lifecycle state of one scanner invocation.
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
	StatusTimedOut  ScanStatus = "timed_out"
	StatusSkipped   ScanStatus = "skipped"
	StatusCancelled ScanStatus = "cancelled"
)

// ScanResult is the outcome of a single tool scan.
type ScanResult struct {
	ScanID string     `json:"scan_id"`
	Tool   string     `json:"tool"`
	Status ScanStatus `json:"status"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	ExitCode int       `json:"exit_code,omitempty"`
	Findings []Finding `json:"findings,omitempty"`

	// Error holds the failure description when Status is failed/timed_out/skipped
	Error string `json:"error,omitempty"`

	// Attempts counts executions including retries
	Attempts int `json:"attempts,omitempty"`

	// Raw keeps the raw output for audit back-references
	Raw *RawOutput `json:"-"`
}

// FindingsCount returns the number of findings in the result.
func (r *ScanResult) FindingsCount() int {
	return len(r.Findings)
}

// HasCritical reports whether any finding is critical.
func (r *ScanResult) HasCritical() bool {
	for _, f := range r.Findings {
		if f.Severity == severity.Critical {
			return true
		}
	}
	return false
}

// PipelineStatus is the lifecycle state of a pipeline run.
type PipelineStatus string

const (
	PipelinePending         PipelineStatus = "pending"
	PipelineRunning         PipelineStatus = "running"
	PipelineCompleted       PipelineStatus = "completed"
	PipelinePartiallyFailed PipelineStatus = "partially_failed"
	PipelineCancelled       PipelineStatus = "cancelled"
)

// PipelineResult is the aggregated outcome of one profile run.
// Created fresh per run and immutable once returned: Results preserve the
// profile's declared tool order and Summary is computed once at assembly.
type PipelineResult struct {
	RunID   string         `json:"run_id"`
	Profile string         `json:"profile"`
	Status  PipelineStatus `json:"status"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Results []ScanResult `json:"results"`

	// Summary counts findings by severity across all results
	Summary severity.CountBySeverity `json:"summary"`
}

// TotalFindings returns the finding count across all scan results.
func (p *PipelineResult) TotalFindings() int {
	total := 0
	for i := range p.Results {
		total += len(p.Results[i].Findings)
	}
	return total
}

// HasCritical reports whether the run produced any critical finding.
func (p *PipelineResult) HasCritical() bool {
	return p.Summary.Critical > 0
}

// Duration returns the wall-clock duration of the run.
func (p *PipelineResult) Duration() time.Duration {
	if p.StartedAt.IsZero() || p.EndedAt.IsZero() {
		return 0
	}
	return p.EndedAt.Sub(p.StartedAt)
}
