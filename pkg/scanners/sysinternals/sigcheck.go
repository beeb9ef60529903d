package sysinternals

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

// DefaultSigcheckTarget is scanned when the request leaves the target
// empty.
const DefaultSigcheckTarget = `C:\Windows\System32`

// SigcheckOptions configures the sigcheck scanner.
type SigcheckOptions struct {
	// TargetPath is the fallback scan root
	TargetPath string
}

// SigcheckScanner finds unsigned executables.
type SigcheckScanner struct {
	opts SigcheckOptions
}

// NewSigcheckScanner creates a sigcheck scanner.
func NewSigcheckScanner(opts SigcheckOptions) *SigcheckScanner {
	if opts.TargetPath == "" {
		opts.TargetPath = DefaultSigcheckTarget
	}
	return &SigcheckScanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *SigcheckScanner) Tool() string { return "sigcheck" }

// Kind classifies the tool.
func (s *SigcheckScanner) Kind() his.ToolKind { return his.KindPersistence }

// BuildInvocation builds the sigcheck argv.
func (s *SigcheckScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	switch req.Target.Type {
	case his.TargetPath, his.TargetSystem:
	default:
		return nil, errors.E(errors.KindInvalidRequest, "sigcheck.BuildInvocation",
			fmt.Sprintf("unsupported target type %q", req.Target.Type))
	}

	target := req.Target.Value
	if target == "" {
		target = s.opts.TargetPath
	}

	args := []string{
		"-u", // only unsigned files
		"-e", // executables only
	}
	if req.Target.Recursive {
		args = append(args, "-s")
	}
	args = append(args, "-c", "-accepteula", target)

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}, nil
}

// ParseOutput decodes the CSV output into unsigned-binary findings.
func (s *SigcheckScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	records, malformed := parse.CSVRecords(raw.Stdout)

	var findings []his.Finding
	for _, rec := range records {
		path := rec.Get("Path")
		verified := rec.Get("Verified")
		publisher := rec.Get("Publisher")

		if !strings.EqualFold(verified, "unsigned") {
			continue
		}
		if publisher == "" {
			publisher = "unknown"
		}

		findings = append(findings, his.Finding{
			ID: fingerprint.Generate(fingerprint.Input{
				Type:   fingerprint.TypeUnsigned,
				Tool:   s.Tool(),
				Target: path,
			}),
			Tool:     s.Tool(),
			Severity: severity.Medium,
			Category: his.CategoryUnsignedBinary,
			Title:    fmt.Sprintf("Sigcheck: unsigned binary %s", filepath.Base(path)),
			Description: fmt.Sprintf("Unsigned executable found: %s. Publisher: %s",
				path, publisher),
			Target: path,
			Evidence: map[string]string{
				"path":      path,
				"publisher": publisher,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	findings = append(findings, parse.AnomalyFindings(s.Tool(), malformed, nil)...)
	return findings, nil
}
