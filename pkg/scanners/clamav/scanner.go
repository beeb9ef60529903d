// Package clamav wraps the ClamAV clamscan CLI for signature-based
// malware scanning. Two-phase: freshclam refreshes the signature database
// (best effort), then clamscan runs the scan. clamscan exits 1 when
// malware is found, which counts as success.
package clamav

import (
	"context"
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
	// LogFileName is the clamscan log written into the work dir.
	LogFileName = "clamscan.log"

	// freshclamTimeout bounds the signature update phase.
	freshclamTimeout = 120 * time.Second
)

// Options configures the ClamAV scanner.
type Options struct {
	// UpdateBeforeScan runs freshclam during Prepare (default true)
	UpdateBeforeScan bool

	// MaxFileSize / MaxScanSize map to the clamscan limits ("100M")
	MaxFileSize string
	MaxScanSize string

	// NoSummary suppresses the scan summary block
	NoSummary bool
}

// DefaultOptions returns the default scanner options.
func DefaultOptions() Options {
	return Options{UpdateBeforeScan: true}
}

// Scanner runs clamscan.
type Scanner struct {
	opts Options
}

// NewScanner creates a ClamAV scanner.
func NewScanner(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *Scanner) Tool() string { return "clamav" }

// Kind classifies the tool.
func (s *Scanner) Kind() his.ToolKind { return his.KindSignature }

// BuildInvocation builds the clamscan argv.
func (s *Scanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	if req.Target.Type != his.TargetPath || req.Target.Value == "" {
		return nil, errors.E(errors.KindInvalidRequest, "clamav.BuildInvocation",
			"clamav requires a path target")
	}

	args := []string{}
	if req.Target.Recursive {
		args = append(args, "-r")
	}
	args = append(args, "--log="+filepath.Join(workDir, LogFileName))

	if v := optionOr(req.Options, "max_filesize", s.opts.MaxFileSize); v != "" {
		args = append(args, "--max-filesize="+v)
	}
	if v := optionOr(req.Options, "max_scansize", s.opts.MaxScanSize); v != "" {
		args = append(args, "--max-scansize="+v)
	}
	if s.opts.NoSummary || req.Options["no_summary"] == "true" {
		args = append(args, "--no-summary")
	}

	args = append(args, req.Target.Value)

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
		// 0 = clean, 1 = malware found, 2 = error
		OKExitCodes: []int{0, 1},
	}, nil
}

// Prepare refreshes the signature database via freshclam. Best effort: a
// missing freshclam or a failed update is logged, never fatal.
func (s *Scanner) Prepare(ctx context.Context, resolver core.ToolResolver, logger core.Logger) error {
	if !s.opts.UpdateBeforeScan {
		return nil
	}

	info, err := resolver.Resolve("freshclam")
	if err != nil || !info.Installed {
		logger.Warn("freshclam not found, skipping signature update")
		return nil
	}

	logger.Info("updating ClamAV signatures via freshclam")
	raw, err := core.Execute(ctx, &core.CommandSpec{Path: info.Path}, &core.ExecOptions{
		Timeout: freshclamTimeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("freshclam failed: %v", err)
		return nil
	}
	if raw.ExitCode != 0 {
		logger.Warn("freshclam exited with code %d: %s", raw.ExitCode, strings.TrimSpace(string(raw.Stderr)))
		return nil
	}
	logger.Info("ClamAV signatures updated")
	return nil
}

// ParseOutput extracts detections from clamscan stdout. Detection lines
// have the form "<path>: <signature> FOUND".
func (s *Scanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	var findings []his.Finding

	for _, line := range parse.MatchLines(raw.Stdout, " FOUND") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			findings = append(findings, parse.AnomalyFinding(s.Tool(), line))
			continue
		}
		file := strings.TrimSpace(line[:idx])
		malware := strings.TrimSpace(line[idx+1:])

		findings = append(findings, his.Finding{
			ID: fingerprint.Generate(fingerprint.Input{
				Type:     fingerprint.TypeSignature,
				Tool:     s.Tool(),
				RuleName: malware,
				Target:   file,
			}),
			Tool:     s.Tool(),
			Severity: severity.High,
			Category: his.CategoryMalwareSignature,
			Title:    fmt.Sprintf("ClamAV: %s", malware),
			Description: fmt.Sprintf(
				"ClamAV detected known malware signature %q in file: %s", malware, file),
			Target: file,
			Evidence: map[string]string{
				"file":    file,
				"malware": malware,
			},
			Timestamp: time.Now().UTC(),
		})
	}
	return findings, nil
}

func optionOr(opts map[string]string, key, fallback string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return fallback
}
