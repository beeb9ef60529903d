// Package sysinternals wraps the Sysinternals CLI auditors: autorunsc
// for persistence enumeration, sigcheck for unsigned executables, and
// listdlls for unsigned loaded DLLs. All three are proprietary Microsoft
// freeware resolved like any other tool.
package sysinternals

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// AutorunscOptions configures the autorunsc scanner.
type AutorunscOptions struct {
	// VirusTotal enables VT hash lookups (-vt, needs network access)
	VirusTotal bool
}

// AutorunscScanner enumerates autostart persistence locations.
type AutorunscScanner struct {
	opts AutorunscOptions
}

// NewAutorunscScanner creates an autorunsc scanner.
func NewAutorunscScanner(opts AutorunscOptions) *AutorunscScanner {
	return &AutorunscScanner{opts: opts}
}

// Tool returns the registered tool name.
func (s *AutorunscScanner) Tool() string { return "autorunsc" }

// Kind classifies the tool.
func (s *AutorunscScanner) Kind() his.ToolKind { return his.KindPersistence }

// BuildInvocation builds the autorunsc argv. The scan is always
// system-wide; the request target is not used.
func (s *AutorunscScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	args := []string{
		"-a", "*", // all autostart categories
		"-c",  // CSV output
		"-h",  // file hashes
		"-s",  // verify signatures
		"-m",  // hide Microsoft entries
		"-accepteula",
	}
	if s.opts.VirusTotal || req.Options["virustotal"] == "true" {
		args = append(args, "-vt")
	}

	return &core.CommandSpec{
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}, nil
}

// ParseOutput decodes the CSV output. Unsigned autostart entries are
// high-severity persistence findings; entries with VirusTotal hits are
// critical.
func (s *AutorunscScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	records, malformed := parse.CSVRecords(raw.Stdout)

	var findings []his.Finding
	for _, rec := range records {
		entry := rec.Get("Entry")
		if entry == "" {
			entry = rec.Get("Entry Location")
		}
		imagePath := rec.Get("Image Path")
		launch := rec.Get("Launch String")
		verified := rec.Get("Verified")

		target := imagePath
		if target == "" {
			target = entry
		}

		if strings.Contains(strings.ToLower(verified), "not verified") {
			findings = append(findings, his.Finding{
				ID: fingerprint.Generate(fingerprint.Input{
					Type:      fingerprint.TypePersistence,
					Tool:      s.Tool(),
					Entry:     entry,
					ImagePath: imagePath,
				}),
				Tool:     s.Tool(),
				Severity: severity.High,
				Category: his.CategoryPersistence,
				Title:    fmt.Sprintf("Autoruns: unsigned entry at %s", entry),
				Description: fmt.Sprintf("Unsigned autostart entry: %s. Image: %s. Launch: %s",
					entry, imagePath, launch),
				Target: target,
				Evidence: map[string]string{
					"entry":      entry,
					"image_path": imagePath,
					"launch":     launch,
					"verified":   verified,
				},
				MitreATTACK: "T1547",
				Timestamp:   time.Now().UTC(),
			})
		}

		vt := rec.Get("VT detection")
		if vt == "" {
			vt = rec.Get("VirusTotal")
		}
		if hits, ok := vtDetections(vt); ok && hits > 0 {
			findings = append(findings, his.Finding{
				ID: fingerprint.Generate(fingerprint.Input{
					Type:      fingerprint.TypePersistence,
					Tool:      s.Tool(),
					Entry:     entry,
					ImagePath: imagePath + ":vt",
				}),
				Tool:     s.Tool(),
				Severity: severity.Critical,
				Category: his.CategoryPersistence,
				Title:    fmt.Sprintf("Autoruns: VirusTotal hit on %s", entry),
				Description: fmt.Sprintf("VirusTotal detection %s for autostart entry: %s. Image: %s",
					vt, entry, imagePath),
				Target: target,
				Evidence: map[string]string{
					"entry":        entry,
					"image_path":   imagePath,
					"vt_detection": vt,
				},
				MitreATTACK: "T1547",
				Timestamp:   time.Now().UTC(),
			})
		}
	}

	findings = append(findings, parse.AnomalyFindings(s.Tool(), malformed, nil)...)
	return findings, nil
}

// vtDetections parses the "N|M" VirusTotal column into a positive hit
// count. Empty, "0|0", and "Unknown" report no hits.
func vtDetections(v string) (int, bool) {
	if v == "" || v == "Unknown" {
		return 0, false
	}
	parts := strings.Split(v, "|")
	if len(parts) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	return n, true
}
