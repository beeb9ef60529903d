// Package yarax wraps the YARA-X "yr" CLI for pattern-based detection
// over files and process memory.
package yarax

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// DefaultRulesDir is where rule sets live unless overridden.
const DefaultRulesDir = "./rules/yara"

// Options configures the YARA-X scanner.
type Options struct {
	// RulesDir is the directory of compiled or source rules
	RulesDir string
}

// Scanner runs yr scan.
type Scanner struct {
	opts Options
}

// NewScanner creates a YARA-X scanner.
func NewScanner(opts Options) *Scanner {
	if opts.RulesDir == "" {
		opts.RulesDir = DefaultRulesDir
	}
	return &Scanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *Scanner) Tool() string { return "yara_x" }

// Kind classifies the tool.
func (s *Scanner) Kind() his.ToolKind { return his.KindPattern }

// BuildInvocation builds the yr argv. Process targets scan a PID's
// memory; path targets scan the filesystem.
func (s *Scanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	rulesDir := s.opts.RulesDir
	if v := req.Options["rules_dir"]; v != "" {
		rulesDir = v
	}

	args := []string{"scan", rulesDir}

	switch req.Target.Type {
	case his.TargetProcess:
		if _, err := strconv.Atoi(req.Target.Value); err != nil {
			return nil, errors.E(errors.KindInvalidRequest, "yarax.BuildInvocation",
				fmt.Sprintf("process target needs a numeric PID, got %q", req.Target.Value))
		}
		args = append(args, "--pid", req.Target.Value)
	case his.TargetPath:
		if req.Target.Value == "" {
			return nil, errors.E(errors.KindInvalidRequest, "yarax.BuildInvocation",
				"path target needs a non-empty path")
		}
		args = append(args, req.Target.Value)
	default:
		return nil, errors.E(errors.KindInvalidRequest, "yarax.BuildInvocation",
			fmt.Sprintf("unsupported target type %q", req.Target.Type))
	}

	args = append(args, "--output-format", "json")
	if req.Target.Recursive {
		args = append(args, "-r")
	}

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}, nil
}

// yrOutput is the YARA-X v1.x JSON shape: a single object carrying all
// matches. Older builds emitted one object per line with a different
// field layout; both are handled.
type yrOutput struct {
	Matches []yrMatch `json:"matches"`
}

type yrMatch struct {
	// v1.x fields
	Rule     string         `json:"rule"`
	File     string         `json:"file"`
	Metadata map[string]any `json:"metadata"`

	// legacy fields: {"path": "...", "rules": [{"identifier": "..."}]}
	Path  string         `json:"path"`
	Rules []yrLegacyRule `json:"rules"`
}

type yrLegacyRule struct {
	Identifier string         `json:"identifier"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseOutput decodes yr JSON output into findings.
func (s *Scanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	var findings []his.Finding

	data := raw.Stdout
	if len(data) == 0 {
		return nil, nil
	}

	var out yrOutput
	if err := json.Unmarshal(data, &out); err == nil && len(out.Matches) > 0 {
		for _, m := range out.Matches {
			findings = append(findings, s.matchToFindings(m)...)
		}
		return findings, nil
	}

	// Single object or newline-delimited objects
	var single yrMatch
	if err := json.Unmarshal(data, &single); err == nil && (single.Rule != "" || len(single.Rules) > 0) {
		return s.matchToFindings(single), nil
	}

	for _, line := range parse.Lines(data) {
		var m yrMatch
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			findings = append(findings, parse.AnomalyFinding(s.Tool(), line))
			continue
		}
		findings = append(findings, s.matchToFindings(m)...)
	}
	return findings, nil
}

// matchToFindings converts one decoded match in either format.
func (s *Scanner) matchToFindings(m yrMatch) []his.Finding {
	var findings []his.Finding

	if m.Rule != "" {
		file := m.File
		if file == "" {
			file = "unknown"
		}
		findings = append(findings, s.ruleFinding(m.Rule, file, m.Metadata))
		return findings
	}

	if len(m.Rules) > 0 {
		file := m.Path
		if file == "" {
			file = "unknown"
		}
		for _, r := range m.Rules {
			name := r.Identifier
			if name == "" {
				name = "unknown_rule"
			}
			findings = append(findings, s.ruleFinding(name, file, r.Metadata))
		}
	}
	return findings
}

func (s *Scanner) ruleFinding(rule, file string, metadata map[string]any) his.Finding {
	sev := severity.High
	if v, ok := metadata["severity"].(string); ok {
		if parsed := severity.FromString(v); parsed != severity.Unknown {
			sev = parsed
		}
	}

	description := fmt.Sprintf("YARA rule %q matched", rule)
	if v, ok := metadata["description"].(string); ok && v != "" {
		description = v
	}

	mitre := ""
	if v, ok := metadata["mitre_attack"].(string); ok {
		mitre = v
	}

	return his.Finding{
		ID: fingerprint.Generate(fingerprint.Input{
			Type:     fingerprint.TypePattern,
			Tool:     s.Tool(),
			RuleName: rule,
			Target:   file,
		}),
		Tool:        s.Tool(),
		Severity:    sev,
		Category:    his.CategorySuspiciousPattern,
		Title:       fmt.Sprintf("YARA: %s", rule),
		Description: fmt.Sprintf("%s (matched in %s)", description, file),
		Target:      file,
		Evidence: map[string]string{
			"rule": rule,
			"file": file,
		},
		MitreATTACK: mitre,
		Timestamp:   time.Now().UTC(),
	}
}
