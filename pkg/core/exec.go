package core

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
)

// Environment variable names handed to every child process. External tool
// wrappers and operator scripts key off these exact names; do not rename.
const (
	EnvJobID     = "JOB_ID"
	EnvJobName   = "JOB_NAME"
	EnvJobParams = "JOB_PARAMS"
)

// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
const DefaultMaxOutputBytes = 32 * 1024 * 1024 // 32MB

// DefaultMaxArtifactBytes caps each collected output file.
const DefaultMaxArtifactBytes = 64 * 1024 * 1024 // 64MB

// ExecOptions configures one external process execution.
type ExecOptions struct {
	// Timeout is the hard wall-clock budget. On expiry the whole process
	// group is terminated and the output is marked timed out. Independent
	// of run-level cancellation carried by the context.
	Timeout time.Duration

	// MaxOutputBytes caps captured stdout/stderr per stream.
	// Zero uses DefaultMaxOutputBytes.
	MaxOutputBytes int64

	// MaxArtifactBytes caps each collected work-dir file.
	// Zero uses DefaultMaxArtifactBytes.
	MaxArtifactBytes int64

	// CollectArtifacts reads files the tool wrote into spec.Dir into
	// RawOutput.Artifacts after the process exits.
	CollectArtifacts bool

	// JobID/JobName/JobParams populate the environment handoff contract.
	JobID     string
	JobName   string
	JobParams string

	// Logger for execution diagnostics. Nil uses the package default.
	Logger Logger
}

// Execute spawns the external process described by spec and captures its
// output. The child runs in its own process group so that timeout and
// cancellation terminate the full process tree, not just the top-level
// handle. Partial output is retained in every outcome.
//
// Error mapping:
//   - timeout expiry        -> KindTimeout, RawOutput.TimedOut = true
//   - context cancellation  -> KindCanceled
//   - spawn failure or exit code outside spec.OKExitCodes -> KindExecution
func Execute(ctx context.Context, spec *CommandSpec, opts *ExecOptions) (*his.RawOutput, error) {
	const op = "core.Execute"

	if opts == nil {
		opts = &ExecOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = GetDefaultLogger()
	}
	maxOut := opts.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}

	raw := &his.RawOutput{}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env, opts)
	setProcGroup(cmd)

	stdout := newCappedBuffer(maxOut)
	stderr := newCappedBuffer(maxOut)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		raw.Duration = time.Since(start)
		return raw, errors.E(op, errors.KindExecution, fmt.Sprintf("spawn %s", spec.Path), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timerC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var waitErr error
	var timedOut, canceled bool

	select {
	case waitErr = <-done:
	case <-timerC:
		timedOut = true
		killProcessGroup(cmd)
		<-done
	case <-ctx.Done():
		canceled = true
		killProcessGroup(cmd)
		<-done
	}

	raw.Duration = time.Since(start)
	raw.Stdout = stdout.Bytes()
	raw.Stderr = stderr.Bytes()
	raw.Truncated = stdout.Truncated() || stderr.Truncated()
	raw.TimedOut = timedOut

	if cmd.ProcessState != nil {
		raw.ExitCode = cmd.ProcessState.ExitCode()
	}

	if opts.CollectArtifacts && spec.Dir != "" {
		collectArtifacts(raw, spec.Dir, opts, logger)
	}

	switch {
	case timedOut:
		logger.Warn("%s timed out after %v, process tree terminated", spec.Path, opts.Timeout)
		return raw, errors.E(op, errors.KindTimeout,
			fmt.Sprintf("%s timed out after %v", filepath.Base(spec.Path), opts.Timeout))
	case canceled:
		return raw, errors.E(op, errors.KindCanceled,
			fmt.Sprintf("%s canceled", filepath.Base(spec.Path)), ctx.Err())
	case waitErr != nil && !spec.ExitOK(raw.ExitCode):
		return raw, errors.E(op, errors.KindExecution,
			fmt.Sprintf("%s exited with code %d", filepath.Base(spec.Path), raw.ExitCode), waitErr)
	}

	return raw, nil
}

// buildEnv assembles the child environment: parent env, then the job
// handoff variables, then spec-specific overrides.
func buildEnv(specEnv map[string]string, opts *ExecOptions) []string {
	env := os.Environ()
	if opts.JobID != "" {
		env = append(env, EnvJobID+"="+opts.JobID)
	}
	if opts.JobName != "" {
		env = append(env, EnvJobName+"="+opts.JobName)
	}
	if opts.JobParams != "" {
		env = append(env, EnvJobParams+"="+opts.JobParams)
	}
	for k, v := range specEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// collectArtifacts reads regular files from the invocation work dir into
// the raw output so parsers can stay pure over bytes.
func collectArtifacts(raw *his.RawOutput, dir string, opts *ExecOptions, logger Logger) {
	maxArtifact := opts.MaxArtifactBytes
	if maxArtifact <= 0 {
		maxArtifact = DefaultMaxArtifactBytes
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort collection
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		raw.OutputFiles = append(raw.OutputFiles, path)
		if info.Size() > maxArtifact {
			logger.Warn("artifact %s exceeds %d bytes, skipping content", path, maxArtifact)
			raw.Truncated = true
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read artifact %s: %v", path, err)
			return nil
		}
		if raw.Artifacts == nil {
			raw.Artifacts = make(map[string][]byte)
		}
		raw.Artifacts[filepath.Base(path)] = data
		return nil
	})
	if err != nil {
		logger.Warn("artifact collection failed for %s: %v", dir, err)
	}
}

// ProbeBinary runs a short version probe against a binary and returns the
// first line of its output. Used by the tool manager to verify tools.
func ProbeBinary(ctx context.Context, path string, args []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(args) == 0 {
		args = []string{"--version"}
	}
	out, err := exec.CommandContext(probeCtx, path, args...).Output()
	if err != nil {
		return "", errors.E("core.ProbeBinary", errors.KindExecution,
			fmt.Sprintf("version probe of %s failed", filepath.Base(path)), err)
	}
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return line, nil
}

// ExpandArgs substitutes {placeholder} tokens in argument templates.
// Unknown placeholders are left intact so that tool flags using braces
// pass through unchanged.
func ExpandArgs(args []string, vars map[string]string) []string {
	if len(args) == 0 {
		return nil
	}
	expanded := make([]string, len(args))
	for i, arg := range args {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		expanded[i] = arg
	}
	return expanded
}

// cappedBuffer captures stream output up to a byte limit, recording
// whether anything was dropped.
type cappedBuffer struct {
	buf       []byte
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(len(b.buf))
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte   { return b.buf }
func (b *cappedBuffer) Truncated() bool { return b.truncated }
