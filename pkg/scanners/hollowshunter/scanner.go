// Package hollowshunter wraps the HollowsHunter CLI, which sweeps running
// processes for in-memory implants: hollowed modules, injected code,
// patched entry points, and hooked imports.
package hollowshunter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// ReportFileName is the summary report HollowsHunter writes to its
// output directory.
const ReportFileName = "scan_report.json"

// anomalyClass describes how one HollowsHunter counter maps to a finding.
type anomalyClass struct {
	key      string
	severity severity.Level
	mitre    string
	desc     string
}

// anomalyClasses is evaluated in order so findings come out deterministic.
var anomalyClasses = []anomalyClass{
	{"replaced", severity.Critical, "T1055.012", "Process hollowing: entire module replaced in memory"},
	{"implanted", severity.Critical, "T1055", "Code injection: foreign code implanted into process"},
	{"hdr_modified", severity.High, "T1055", "PE header modification: headers tampered in memory"},
	{"patched", severity.Medium, "T1574", "Inline patching: code bytes modified (possible hook)"},
	{"iat_hooked", severity.High, "T1574", "IAT hooking: import address table entries redirected"},
	{"unreachable_file", severity.Medium, "", "Unreachable file: module on disk cannot be accessed"},
	{"other", severity.Low, "", "Other anomaly detected"},
}

// Options configures the HollowsHunter scanner.
type Options struct {
	// Loop keeps HollowsHunter running in repeated sweeps
	Loop bool

	// Shellc sets the shellcode detection mode
	Shellc string
}

// Scanner runs hollows_hunter.
type Scanner struct {
	opts Options
}

// NewScanner creates a HollowsHunter scanner.
func NewScanner(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *Scanner) Tool() string { return "hollows_hunter" }

// Kind classifies the tool.
func (s *Scanner) Kind() his.ToolKind { return his.KindMemory }

// BuildInvocation builds the hollows_hunter argv. A system target sweeps
// all processes; a process target restricts to one PID.
func (s *Scanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	args := []string{"/json", "/dir", workDir}

	switch req.Target.Type {
	case his.TargetProcess:
		if _, err := strconv.Atoi(req.Target.Value); err != nil {
			return nil, errors.E(errors.KindInvalidRequest, "hollowshunter.BuildInvocation",
				fmt.Sprintf("process target needs a numeric PID, got %q", req.Target.Value))
		}
		args = append(args, "/pid", req.Target.Value)
	case his.TargetSystem:
		// full sweep, no extra args
	default:
		return nil, errors.E(errors.KindInvalidRequest, "hollowshunter.BuildInvocation",
			fmt.Sprintf("unsupported target type %q", req.Target.Type))
	}

	if s.opts.Loop || req.Options["loop"] == "true" {
		args = append(args, "/loop")
	}
	if mode := optionOr(req.Options, "shellc", s.opts.Shellc); mode != "" {
		args = append(args, "/shellc", mode)
	}

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}, nil
}

// report is the top-level scan_report.json: per-PID counters keyed by the
// decimal PID string.
type report struct {
	Scanned map[string]processReport `json:"scanned"`
}

type processReport struct {
	Name            string `json:"name"`
	Replaced        int    `json:"replaced"`
	Implanted       int    `json:"implanted"`
	HdrModified     int    `json:"hdr_modified"`
	Patched         int    `json:"patched"`
	IatHooked       int    `json:"iat_hooked"`
	UnreachableFile int    `json:"unreachable_file"`
	Other           int    `json:"other"`
}

func (p *processReport) count(key string) int {
	switch key {
	case "replaced":
		return p.Replaced
	case "implanted":
		return p.Implanted
	case "hdr_modified":
		return p.HdrModified
	case "patched":
		return p.Patched
	case "iat_hooked":
		return p.IatHooked
	case "unreachable_file":
		return p.UnreachableFile
	case "other":
		return p.Other
	}
	return 0
}

// ParseOutput decodes the collected scan_report.json artifact into
// per-anomaly findings. One finding per anomaly class per process.
func (s *Scanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	data, ok := raw.Artifacts[ReportFileName]
	if !ok {
		return nil, nil
	}

	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return []his.Finding{parse.AnomalyFinding(s.Tool(), string(data))}, nil
	}

	// Sort PIDs numerically for deterministic output order.
	pids := make([]string, 0, len(rep.Scanned))
	for pid := range rep.Scanned {
		pids = append(pids, pid)
	}
	sortPIDs(pids)

	var findings []his.Finding
	for _, pid := range pids {
		proc := rep.Scanned[pid]
		name := proc.Name
		if name == "" {
			name = "unknown"
		}

		for _, class := range anomalyClasses {
			count := proc.count(class.key)
			if count == 0 {
				continue
			}
			findings = append(findings, his.Finding{
				ID: fingerprint.Generate(fingerprint.Input{
					Type:        fingerprint.TypeMemory,
					Tool:        s.Tool(),
					PID:         pid,
					ProcessName: name,
					AnomalyType: class.key,
				}),
				Tool:     s.Tool(),
				Severity: class.severity,
				Category: his.CategoryMemoryAnomaly,
				Title:    fmt.Sprintf("HollowsHunter: %s in %s (PID %s)", class.key, name, pid),
				Description: fmt.Sprintf("%s. Found %d %s anomalies in process %s (PID %s).",
					class.desc, count, class.key, name, pid),
				Target: "PID:" + pid,
				Evidence: map[string]string{
					"pid":     pid,
					"process": name,
					"anomaly": class.key,
					"count":   strconv.Itoa(count),
				},
				MitreATTACK: class.mitre,
				Timestamp:   time.Now().UTC(),
			})
		}
	}
	return findings, nil
}

// sortPIDs orders decimal PID strings numerically, falling back to
// lexical order for non-numeric keys.
func sortPIDs(pids []string) {
	sort.Slice(pids, func(i, j int) bool {
		na, errA := strconv.Atoi(pids[i])
		nb, errB := strconv.Atoi(pids[j])
		if errA == nil && errB == nil {
			return na < nb
		}
		return pids[i] < pids[j]
	})
}

func optionOr(opts map[string]string, key, fallback string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return fallback
}
