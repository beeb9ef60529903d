package core

import (
	"context"
	"strings"

	"github.com/sentriva/hostscan/pkg/his"
)

// =============================================================================
// Command Specification
// =============================================================================

// CommandSpec is a fully resolved external command invocation.
// Produced by Scanner.BuildInvocation; building a spec performs no I/O.
type CommandSpec struct {
	// Path is the absolute path to the tool binary
	Path string

	// Args is the argv after the binary path
	Args []string

	// Env holds extra environment variables for the child process,
	// merged over the parent environment at execution time
	Env map[string]string

	// Dir is the working directory for the process. Tools that write
	// report files place them here; the executor collects them.
	Dir string

	// OKExitCodes are exit codes treated as success. Several tools exit
	// non-zero when they find something (ClamAV and Chainsaw return 1 on
	// detections). Empty means only 0 is accepted.
	OKExitCodes []int
}

// ExitOK reports whether the exit code counts as success for this spec.
func (s *CommandSpec) ExitOK(code int) bool {
	if len(s.OKExitCodes) == 0 {
		return code == 0
	}
	for _, ok := range s.OKExitCodes {
		if code == ok {
			return true
		}
	}
	return false
}

// Command returns the command line as a printable string.
func (s *CommandSpec) Command() string {
	return s.Path + " " + strings.Join(s.Args, " ")
}

// =============================================================================
// Scanner Contract
// =============================================================================

// Scanner is the contract every tool adapter implements. Each variant wraps
// exactly one external detection tool and differs only in how it builds the
// argv and how it decodes the output; execution is shared, generic logic
// (see Execute), which lets the pipeline treat every tool uniformly for
// concurrency, timeout, and retry purposes.
type Scanner interface {
	// Tool returns the registered tool name (e.g. "hollows_hunter").
	Tool() string

	// Kind classifies the tool.
	Kind() his.ToolKind

	// BuildInvocation builds the command for a request. Pure: no I/O, no
	// process spawn. Structurally invalid targets (missing PID, empty
	// path where one is required) are rejected with KindInvalidRequest
	// before anything executes. workDir is the timestamped directory the
	// invocation may write report files into.
	BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*CommandSpec, error)

	// ParseOutput decodes raw output into normalized findings.
	// Deterministic and pure over the RawOutput bytes and artifacts.
	// Malformed output degrades to an empty or anomaly-tagged slice plus
	// a logged diagnostic; it never fails the scan.
	ParseOutput(raw *his.RawOutput) ([]his.Finding, error)
}

// ToolResolver resolves registered tool names to their binary locations.
// Implemented by tools.Manager.
type ToolResolver interface {
	Resolve(name string) (*his.ToolInfo, error)
}

// Preparer is an optional interface for scanners that need a setup phase
// before the scan proper (ClamAV runs freshclam to refresh signatures).
// Prepare failures are logged, never fatal.
type Preparer interface {
	Prepare(ctx context.Context, resolver ToolResolver, logger Logger) error
}
