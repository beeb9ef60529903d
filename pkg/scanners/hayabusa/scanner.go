// Package hayabusa wraps the Hayabusa event-log threat hunter. Hayabusa
// applies Sigma rules over Windows event logs, either live or against a
// directory of offline .evtx files, and emits a CSV timeline.
package hayabusa

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

const (
	// TimelineFileName is the CSV timeline written into the work dir.
	TimelineFileName = "timeline.csv"

	// DefaultMinLevel is the minimum Sigma level Hayabusa reports.
	DefaultMinLevel = "medium"
)

// Options configures the Hayabusa scanner.
type Options struct {
	// MinLevel is the minimum detection level ("informational".."critical")
	MinLevel string
}

// Scanner runs hayabusa csv-timeline.
type Scanner struct {
	opts Options
}

// NewScanner creates a Hayabusa scanner.
func NewScanner(opts Options) *Scanner {
	if opts.MinLevel == "" {
		opts.MinLevel = DefaultMinLevel
	}
	return &Scanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *Scanner) Tool() string { return "hayabusa" }

// Kind classifies the tool.
func (s *Scanner) Kind() his.ToolKind { return his.KindEventLog }

// BuildInvocation builds the hayabusa argv. An eventlog target with an
// empty or "live" value analyzes the local event logs; any other value is
// a directory of offline .evtx files.
func (s *Scanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	switch req.Target.Type {
	case his.TargetEventLog, his.TargetPath, his.TargetSystem:
	default:
		return nil, errors.E(errors.KindInvalidRequest, "hayabusa.BuildInvocation",
			fmt.Sprintf("unsupported target type %q", req.Target.Type))
	}

	args := []string{"csv-timeline", "--no-wizard"}

	value := req.Target.Value
	if value == "" || strings.EqualFold(value, "live") {
		args = append(args, "-l")
	} else {
		args = append(args, "-d", value)
	}

	minLevel := s.opts.MinLevel
	if v := req.Options["min_level"]; v != "" {
		minLevel = v
	}
	args = append(args, "-m", minLevel)
	args = append(args, "-o", filepath.Join(workDir, TimelineFileName))
	args = append(args, "-q")

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}, nil
}

// ParseOutput decodes the CSV timeline artifact. Informational rows are
// skipped; malformed rows degrade to anomaly findings.
func (s *Scanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	data, ok := raw.Artifacts[TimelineFileName]
	if !ok {
		// Some versions only write the timeline to stdout.
		data = raw.Stdout
	}
	if len(data) == 0 {
		return nil, nil
	}

	records, malformed := parse.CSVRecords(data)

	var findings []his.Finding
	for _, rec := range records {
		level := rec.Get("Level")
		sev := severity.FromSigmaLevel(level)
		if sev == severity.Info {
			continue
		}

		title := rec.Get("RuleTitle")
		if title == "" {
			title = "Unknown rule"
		}
		computer := rec.Get("Computer")
		channel := rec.Get("Channel")
		eventID := rec.Get("EventID")
		details := rec.Get("Details")

		findings = append(findings, his.Finding{
			ID: fingerprint.Generate(fingerprint.Input{
				Type:      fingerprint.TypeEventLog,
				Tool:      s.Tool(),
				Computer:  computer,
				Channel:   channel,
				EventID:   eventID,
				RuleTitle: title,
			}),
			Tool:     s.Tool(),
			Severity: sev,
			Category: his.CategoryEventLogAlert,
			Title:    fmt.Sprintf("Hayabusa: %s", title),
			Description: fmt.Sprintf("[%s] %s on %s (Channel: %s): %s",
				level, title, computer, channel, details),
			Target: computer + ":" + channel,
			Evidence: map[string]string{
				"timestamp": rec.Get("Timestamp"),
				"computer":  computer,
				"channel":   channel,
				"event_id":  eventID,
				"level":     level,
				"details":   details,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	findings = append(findings, parse.AnomalyFindings(s.Tool(), malformed, nil)...)
	return findings, nil
}
