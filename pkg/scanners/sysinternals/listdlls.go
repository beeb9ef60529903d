package sysinternals

import (
	"fmt"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// ListDllsScanner reports unsigned DLLs loaded into running processes.
type ListDllsScanner struct{}

// NewListDllsScanner creates a listdlls scanner.
func NewListDllsScanner() *ListDllsScanner {
	return &ListDllsScanner{}
}

// Tool returns the registered tool name.
func (s *ListDllsScanner) Tool() string { return "listdlls" }

// Kind classifies the tool.
func (s *ListDllsScanner) Kind() his.ToolKind { return his.KindPersistence }

// BuildInvocation builds the listdlls argv. The scan is always
// system-wide over running processes.
func (s *ListDllsScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	return &core.CommandSpec{
		Path: tool.Path,
		Args: []string{
			"-u", // only unsigned DLLs
			"-accepteula",
		},
		Dir: workDir,
	}, nil
}

// ParseOutput decodes the listdlls text report:
//
//	<process_name> pid: <pid>
//	Command line: <cmdline>
//	  0x<base>  0x<size>  <version>  <path>
//
// Each DLL row under a process header becomes one unsigned-DLL finding.
func (s *ListDllsScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	var findings []his.Finding

	currentProcess := ""
	currentPID := ""

	for _, line := range parse.Lines(raw.Stdout) {
		line = strings.TrimSpace(line)

		if idx := strings.Index(strings.ToLower(line), "pid:"); idx >= 0 {
			currentProcess = strings.TrimSpace(line[:idx])
			currentPID = strings.TrimSpace(line[idx+len("pid:"):])
			continue
		}

		if !strings.HasPrefix(line, "0x") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			findings = append(findings, parse.AnomalyFinding(s.Tool(), line))
			continue
		}
		// Path may contain spaces; everything after base, size, version.
		dllPath := strings.Join(fields[3:], " ")

		findings = append(findings, his.Finding{
			ID: fingerprint.Generate(fingerprint.Input{
				Type:   fingerprint.TypeUnsigned,
				Tool:   s.Tool(),
				Target: currentPID + ":" + dllPath,
			}),
			Tool:     s.Tool(),
			Severity: severity.Medium,
			Category: his.CategoryUnsignedDLL,
			Title:    fmt.Sprintf("ListDLLs: unsigned DLL in %s", currentProcess),
			Description: fmt.Sprintf("Unsigned DLL loaded into %s (PID %s): %s",
				currentProcess, currentPID, dllPath),
			Target: dllPath,
			Evidence: map[string]string{
				"process":  currentProcess,
				"pid":      currentPID,
				"dll_path": dllPath,
			},
			MitreATTACK: "T1055.001",
			Timestamp:   time.Now().UTC(),
		})
	}
	return findings, nil
}
