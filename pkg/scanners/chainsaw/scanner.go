// Package chainsaw wraps the Chainsaw forensic triage tool. Chainsaw
// hunts through .evtx files and other forensic artifacts with Sigma
// rules and built-in detection logic, and exits 1 when it finds hits.
package chainsaw

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// DefaultTarget is hunted when the request leaves the target empty.
const DefaultTarget = `C:\Windows\System32\winevt\Logs`

// Options configures the Chainsaw scanner.
type Options struct {
	// SigmaDir is a directory of Sigma rules passed via -s
	SigmaDir string

	// MappingFile translates Sigma field names for chainsaw
	MappingFile string
}

// Scanner runs chainsaw hunt.
type Scanner struct {
	opts Options
}

// NewScanner creates a Chainsaw scanner.
func NewScanner(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *Scanner) Tool() string { return "chainsaw" }

// Kind classifies the tool.
func (s *Scanner) Kind() his.ToolKind { return his.KindEventLog }

// BuildInvocation builds the chainsaw argv.
func (s *Scanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	switch req.Target.Type {
	case his.TargetEventLog, his.TargetPath, his.TargetSystem:
	default:
		return nil, errors.E(errors.KindInvalidRequest, "chainsaw.BuildInvocation",
			fmt.Sprintf("unsupported target type %q", req.Target.Type))
	}

	args := []string{"hunt"}

	sigmaDir := s.opts.SigmaDir
	if v := req.Options["sigma_dir"]; v != "" {
		sigmaDir = v
	}
	if sigmaDir != "" {
		args = append(args, "-s", sigmaDir)
	}

	target := req.Target.Value
	if target == "" {
		target = DefaultTarget
	}
	args = append(args, target)

	mapping := s.opts.MappingFile
	if v := req.Options["mapping_file"]; v != "" {
		mapping = v
	}
	if mapping != "" {
		args = append(args, "--mapping", mapping)
	}

	args = append(args, "--json", "-q")

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
		// 1 = detections found
		OKExitCodes: []int{0, 1},
	}, nil
}

// detection is one Chainsaw hit; field names vary between versions.
type detection struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	Level     string `json:"level"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Document  struct {
		Path string `json:"path"`
	} `json:"document"`
}

// envelope is the object form of chainsaw output.
type envelope struct {
	Detections []detection `json:"detections"`
	Hits       []detection `json:"hits"`
}

// ParseOutput decodes chainsaw --json output from stdout. The banner may
// precede the JSON, so decoding starts at the first bracket.
func (s *Scanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	text := bytes.TrimSpace(raw.Stdout)
	if len(text) == 0 {
		return nil, nil
	}

	detections, ok := decodeDetections(text)
	if !ok {
		return []his.Finding{parse.AnomalyFinding(s.Tool(), string(text))}, nil
	}

	var findings []his.Finding
	for _, d := range detections {
		name := d.Name
		if name == "" {
			name = d.Title
		}
		if name == "" {
			name = "Unknown detection"
		}

		level := d.Level
		if level == "" {
			level = d.Severity
		}
		if level == "" {
			level = "medium"
		}
		sev := severity.FromSigmaLevel(level)
		if sev == severity.Info {
			continue
		}

		source := d.Source
		if source == "" {
			source = d.Document.Path
		}

		var descParts []string
		descParts = append(descParts, name)
		if d.Timestamp != "" {
			descParts = append(descParts, "at "+d.Timestamp)
		}
		if source != "" {
			descParts = append(descParts, "in "+source)
		}

		findings = append(findings, his.Finding{
			ID: fingerprint.Generate(fingerprint.Input{
				Type:      fingerprint.TypeEventLog,
				Tool:      s.Tool(),
				Channel:   source,
				RuleTitle: name,
			}),
			Tool:        s.Tool(),
			Severity:    sev,
			Category:    his.CategoryEventLogAlert,
			Title:       fmt.Sprintf("Chainsaw: %s", name),
			Description: strings.Join(descParts, " "),
			Target:      source,
			Evidence: map[string]string{
				"rule":      name,
				"level":     level,
				"timestamp": d.Timestamp,
				"source":    source,
			},
			Timestamp: time.Now().UTC(),
		})
	}
	return findings, nil
}

// decodeDetections accepts a JSON array, an object with detections/hits,
// or a single detection object, skipping any leading banner text.
func decodeDetections(text []byte) ([]detection, bool) {
	idx := bytes.IndexAny(text, "[{")
	if idx < 0 {
		return nil, false
	}
	text = text[idx:]

	if text[0] == '[' {
		var list []detection
		if err := json.Unmarshal(text, &list); err != nil {
			return nil, false
		}
		return list, true
	}

	var env envelope
	if err := json.Unmarshal(text, &env); err == nil {
		if len(env.Detections) > 0 {
			return env.Detections, true
		}
		if len(env.Hits) > 0 {
			return env.Hits, true
		}
	}

	var single detection
	if err := json.Unmarshal(text, &single); err != nil {
		return nil, false
	}
	if single.Name == "" && single.Title == "" {
		return nil, true
	}
	return []detection{single}, true
}
