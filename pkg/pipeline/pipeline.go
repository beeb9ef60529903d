// Package pipeline orchestrates profile runs: it fans the declared scan
// steps out over a bounded worker pool, isolates scanner failures, retries
// eligible errors, and assembles the per-tool results into a single
// PipelineResult in declared order.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentriva/hostscan/pkg/audit"
	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/parse"
	"github.com/sentriva/hostscan/pkg/policy"
	"github.com/sentriva/hostscan/pkg/resource"
	"github.com/sentriva/hostscan/pkg/retry"
)

// DefaultScanTimeout bounds a scan step that declares no timeout.
const DefaultScanTimeout = 10 * time.Minute

// workDirTimeFormat names per-scan work directories.
const workDirTimeFormat = "20060102-150405.000000"

// ScannerSource yields registered scanners by tool name.
// Implemented by scanners.Registry.
type ScannerSource interface {
	Get(name string) core.Scanner
}

// ResultSink persists completed pipeline results.
// Implemented by store.Store.
type ResultSink interface {
	SaveResult(ctx context.Context, result *his.PipelineResult) error
}

// Pipeline runs scan profiles against the local host.
type Pipeline struct {
	pol        *policy.SecurityPolicy
	scanners   ScannerSource
	resolver   core.ToolResolver
	logger     core.Logger
	collector  metrics.Collector
	auditor    *audit.Logger
	sink       ResultSink
	controller *resource.Controller
	backoff    *retry.BackoffConfig
	profiles   map[string]policy.Profile
	dryRun     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the diagnostic logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(p *Pipeline) { p.collector = collector }
}

// WithAudit sets the audit trail logger.
func WithAudit(auditor *audit.Logger) Option {
	return func(p *Pipeline) { p.auditor = auditor }
}

// WithStore sets the result sink written after every run.
func WithStore(sink ResultSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithController replaces the default admission controller.
func WithController(c *resource.Controller) Option {
	return func(p *Pipeline) { p.controller = c }
}

// WithProfile adds or replaces a profile by name.
func WithProfile(profile policy.Profile) Option {
	return func(p *Pipeline) { p.profiles[profile.Name] = profile }
}

// WithDryRun builds and validates every command without executing it.
func WithDryRun(dryRun bool) Option {
	return func(p *Pipeline) { p.dryRun = dryRun }
}

// New creates a pipeline over the given policy, scanner registry, and tool
// resolver. Built-in profiles are merged with the policy's profiles; a
// policy profile with a built-in name replaces the built-in.
func New(pol *policy.SecurityPolicy, scanners ScannerSource, resolver core.ToolResolver, opts ...Option) *Pipeline {
	if pol == nil {
		pol = policy.Default()
	}

	p := &Pipeline{
		pol:       pol,
		scanners:  scanners,
		resolver:  resolver,
		logger:    core.GetDefaultLogger(),
		collector: metrics.GetDefaultCollector(),
		profiles:  BuiltinProfiles(),
	}

	for _, profile := range pol.Profiles {
		p.profiles[profile.Name] = profile
	}

	p.backoff = &retry.BackoffConfig{
		Strategy:     retry.BackoffExponential,
		BaseInterval: pol.Retry.BaseDelay,
		MaxInterval:  pol.Retry.MaxDelay,
		Jitter:       0.1,
	}
	if p.backoff.BaseInterval <= 0 {
		p.backoff.BaseInterval = retry.DefaultBaseInterval
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.controller == nil {
		cfg := resource.DefaultControllerConfig()
		if pol.Concurrency > 0 {
			cfg.MaxConcurrentScans = pol.Concurrency
		}
		p.controller = resource.NewController(cfg)
	}

	return p
}

// Profiles returns the declared profile names, sorted.
func (p *Pipeline) Profiles() []string {
	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns a declared profile by name.
func (p *Pipeline) Profile(name string) (policy.Profile, bool) {
	profile, ok := p.profiles[name]
	return profile, ok
}

// RunProfile runs all steps of the named profile and returns the aggregated
// result. The only fatal paths are an unknown profile and a step referencing
// an unregistered tool, both rejected before any scanner starts; every other
// failure is isolated into its step's ScanResult.
func (p *Pipeline) RunProfile(ctx context.Context, name string) (*his.PipelineResult, error) {
	const op = "pipeline.RunProfile"

	profile, ok := p.profiles[name]
	if !ok {
		return nil, errors.E(op, errors.KindConfig, fmt.Sprintf("unknown profile %q", name))
	}
	for _, step := range profile.Steps {
		if p.scanners.Get(step.Tool) == nil {
			return nil, errors.E(op, errors.KindConfig,
				fmt.Sprintf("profile %q references unregistered tool %q", name, step.Tool))
		}
	}

	result := &his.PipelineResult{
		RunID:     uuid.NewString(),
		Profile:   name,
		Status:    his.PipelineRunning,
		StartedAt: time.Now().UTC(),
	}

	p.logger.Info("pipeline %s starting: profile %s, %d steps", result.RunID, name, len(profile.Steps))
	if p.auditor != nil {
		p.auditor.Log(audit.Event{
			Type:     audit.EventPipelineStarted,
			Severity: audit.SeverityInfo,
			RunID:    result.RunID,
			Message:  fmt.Sprintf("Pipeline started: %s (%d steps)", name, len(profile.Steps)),
		})
	}

	results := make([]his.ScanResult, len(profile.Steps))
	var wg sync.WaitGroup
	for i, step := range profile.Steps {
		wg.Add(1)
		go func(i int, step policy.Step) {
			defer wg.Done()
			results[i] = p.runStep(ctx, result.RunID, step)
		}(i, step)
	}
	wg.Wait()

	result.Results = results
	result.EndedAt = time.Now().UTC()
	result.Status = p.finalStatus(ctx, results)
	for i := range results {
		for _, f := range results[i].Findings {
			result.Summary.Increment(f.Severity)
		}
	}

	p.collector.CounterInc(metrics.PipelineRunsTotal.Name, name, string(result.Status))
	p.collector.HistogramObserve(metrics.PipelineRunDuration.Name, result.Duration().Seconds(), name)

	p.logger.Info("pipeline %s finished: %s, %d findings in %v",
		result.RunID, result.Status, result.TotalFindings(), result.Duration())
	if p.auditor != nil {
		eventType := audit.EventPipelineCompleted
		if result.Status == his.PipelineCancelled {
			eventType = audit.EventPipelineCancelled
		}
		p.auditor.Log(audit.Event{
			Type:     eventType,
			Severity: audit.SeverityInfo,
			RunID:    result.RunID,
			Message:  fmt.Sprintf("Pipeline %s: %s (%d findings)", name, result.Status, result.TotalFindings()),
			Duration: result.Duration(),
		})
	}

	if p.sink != nil {
		if err := p.sink.SaveResult(ctx, result); err != nil {
			p.logger.Error("pipeline %s: store write failed: %v", result.RunID, err)
			p.collector.CounterInc(metrics.StoreWritesTotal.Name, "failure")
		} else {
			p.collector.CounterInc(metrics.StoreWritesTotal.Name, "success")
		}
	}

	return result, nil
}

// finalStatus derives the run status: cancelled when the run context was
// cancelled or any step was interrupted, completed when every step
// completed or was skipped, partially failed otherwise.
func (p *Pipeline) finalStatus(ctx context.Context, results []his.ScanResult) his.PipelineStatus {
	if ctx.Err() != nil {
		return his.PipelineCancelled
	}
	allOK := true
	for i := range results {
		switch results[i].Status {
		case his.StatusCancelled:
			return his.PipelineCancelled
		case his.StatusCompleted, his.StatusSkipped:
		default:
			allOK = false
		}
	}
	if allOK {
		return his.PipelineCompleted
	}
	return his.PipelinePartiallyFailed
}

// runStep runs one profile step through admission, availability check,
// execution with retries, and parsing. It never panics the run; every
// failure lands in the returned ScanResult.
func (p *Pipeline) runStep(ctx context.Context, runID string, step policy.Step) his.ScanResult {
	res := his.ScanResult{
		ScanID: uuid.NewString(),
		Tool:   step.Tool,
		Status: his.StatusPending,
	}

	if err := p.controller.Acquire(ctx); err != nil {
		res.Status = his.StatusCancelled
		res.Error = "cancelled before start"
		p.recordScan(&res)
		return res
	}
	defer p.controller.Release()

	p.collector.GaugeInc(metrics.PipelineActiveScans.Name)
	defer p.collector.GaugeDec(metrics.PipelineActiveScans.Name)

	info, err := p.resolver.Resolve(step.Tool)
	if err != nil {
		res.Status = his.StatusSkipped
		res.Error = err.Error()
		p.auditSkip(runID, step.Tool, res.Error)
		p.recordScan(&res)
		return res
	}
	if !info.Installed {
		res.Status = his.StatusSkipped
		res.Error = fmt.Sprintf("tool %s is not installed", step.Tool)
		p.auditSkip(runID, step.Tool, res.Error)
		p.recordScan(&res)
		return res
	}

	scanner := p.scanners.Get(step.Tool)
	req := p.buildRequest(step)

	res.StartedAt = time.Now().UTC()
	res.Status = his.StatusRunning
	if p.auditor != nil {
		p.auditor.ScanStarted(runID, step.Tool, map[string]interface{}{
			"scan_id": res.ScanID,
			"target":  req.Target.Value,
		})
	}

	p.executeWithRetry(ctx, runID, scanner, info, req, &res)

	res.EndedAt = time.Now().UTC()
	res.Duration = res.EndedAt.Sub(res.StartedAt)

	if p.auditor != nil {
		switch res.Status {
		case his.StatusCompleted:
			p.auditor.ScanCompleted(runID, step.Tool, res.Duration, len(res.Findings))
		default:
			p.auditor.ScanFailed(runID, step.Tool, fmt.Errorf("%s", res.Error),
				map[string]interface{}{"status": string(res.Status), "attempts": res.Attempts})
		}
	}
	p.recordScan(&res)
	return res
}

// executeWithRetry runs the scanner, re-executing on retry-eligible error
// kinds up to the policy's attempt budget. Parse problems are handled inside
// executeAttempt and never trigger a retry.
func (p *Pipeline) executeWithRetry(ctx context.Context, runID string, scanner core.Scanner, info *his.ToolInfo, req *his.ScanRequest, res *his.ScanResult) {
	maxAttempts := p.pol.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryKinds := p.pol.Retry.RetryKinds()

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		err := p.executeAttempt(ctx, runID, scanner, info, req, res)
		if err == nil {
			res.Status = his.StatusCompleted
			return
		}

		kind := errors.GetKind(err)
		if kind == errors.KindCanceled {
			res.Status = his.StatusCancelled
			res.Error = err.Error()
			return
		}
		if attempt >= maxAttempts || !kindIn(kind, retryKinds) {
			if kind == errors.KindTimeout {
				res.Status = his.StatusTimedOut
			} else {
				res.Status = his.StatusFailed
			}
			res.Error = err.Error()
			return
		}

		delay := p.backoff.Delay(attempt)
		p.logger.Warn("scan %s attempt %d/%d failed (%s), retrying in %v",
			req.Tool, attempt, maxAttempts, kind, delay)
		p.collector.CounterInc(metrics.ScanRetries.Name, req.Tool)
		if p.auditor != nil {
			p.auditor.Log(audit.Event{
				Type:     audit.EventScanRetried,
				Severity: audit.SeverityWarning,
				RunID:    runID,
				Tool:     req.Tool,
				Message:  fmt.Sprintf("Retrying %s after %s error (attempt %d)", req.Tool, kind, attempt),
			})
		}
		if err := sleepCtx(ctx, delay); err != nil {
			res.Status = his.StatusCancelled
			res.Error = "cancelled during retry backoff"
			return
		}
	}
}

// executeAttempt is one full pass of the per-scan flow: work dir, optional
// prepare, build, policy check, dry-run short-circuit, execute with artifact
// collection, parse.
func (p *Pipeline) executeAttempt(ctx context.Context, runID string, scanner core.Scanner, info *his.ToolInfo, req *his.ScanRequest, res *his.ScanResult) error {
	const op = "pipeline.executeAttempt"

	workDir := filepath.Join(p.pol.OutputDir, req.Tool, time.Now().UTC().Format(workDirTimeFormat))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return errors.E(op, errors.KindInternal, fmt.Sprintf("create work dir %s", workDir), err)
	}

	if preparer, ok := scanner.(core.Preparer); ok {
		if err := preparer.Prepare(ctx, p.resolver, p.logger); err != nil {
			p.logger.Warn("prepare for %s failed, continuing: %v", req.Tool, err)
		}
	}

	spec, err := scanner.BuildInvocation(req, info, workDir)
	if err != nil {
		return err
	}

	if len(req.ExtraArgs) > 0 {
		spec.Args = append(spec.Args, core.ExpandArgs(req.ExtraArgs, map[string]string{
			"target":     req.Target.Value,
			"output_dir": workDir,
			"pid":        req.Target.Value,
		})...)
	}

	if err := p.pol.ValidateSpec(spec, req.Target); err != nil {
		if p.auditor != nil {
			p.auditor.PolicyViolation(runID, req.Tool, err.Error())
		}
		return err
	}

	if req.DryRun {
		p.logger.Info("dry run %s: %s %v", req.Tool, spec.Path, spec.Args)
		return nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	raw, err := core.Execute(ctx, spec, &core.ExecOptions{
		Timeout:          timeout,
		MaxOutputBytes:   p.pol.MaxArtifactSize,
		MaxArtifactBytes: p.pol.MaxArtifactSize,
		CollectArtifacts: true,
		Logger:           p.logger,
		JobID:            res.ScanID,
		JobName:          req.Tool,
	})
	res.Raw = raw
	res.ExitCode = raw.ExitCode
	if err != nil {
		return err
	}

	findings, perr := scanner.ParseOutput(raw)
	if perr != nil {
		// Parse problems degrade, they never fail the scan.
		p.logger.Warn("parse for %s failed: %v", req.Tool, perr)
		findings = append(findings, parse.AnomalyFinding(req.Tool, perr.Error()))
		if p.auditor != nil {
			p.auditor.Log(audit.Event{
				Type:     audit.EventParseAnomaly,
				Severity: audit.SeverityWarning,
				RunID:    runID,
				Tool:     req.Tool,
				Message:  "Output parsing degraded: " + perr.Error(),
			})
		}
	}
	for i := range findings {
		if findings[i].RawRef == "" {
			findings[i].RawRef = res.ScanID
		}
	}
	res.Findings = findings

	for _, f := range findings {
		p.collector.CounterInc(metrics.FindingsTotal.Name, req.Tool, string(f.Severity))
	}
	return nil
}

// buildRequest assembles the immutable scan request for a step, merging the
// policy's per-tool options under the step's own.
func (p *Pipeline) buildRequest(step policy.Step) *his.ScanRequest {
	options := make(map[string]string)
	if override, ok := p.pol.ToolOverrides[step.Tool]; ok {
		for k, v := range override.Options {
			options[k] = v
		}
	}
	for k, v := range step.Options {
		options[k] = v
	}

	return &his.ScanRequest{
		Tool:      step.Tool,
		Target:    step.Target,
		Timeout:   step.Timeout,
		ExtraArgs: append([]string(nil), step.ExtraArgs...),
		Options:   options,
		DryRun:    p.dryRun,
	}
}

func (p *Pipeline) recordScan(res *his.ScanResult) {
	p.collector.CounterInc(metrics.ScanTotal.Name, res.Tool, string(res.Status))
	if res.Duration > 0 {
		p.collector.HistogramObserve(metrics.ScanDuration.Name, res.Duration.Seconds(), res.Tool)
	}
}

func (p *Pipeline) auditSkip(runID, tool, reason string) {
	p.logger.Warn("skipping %s: %s", tool, reason)
	if p.auditor != nil {
		p.auditor.Log(audit.Event{
			Type:     audit.EventScanSkipped,
			Severity: audit.SeverityWarning,
			RunID:    runID,
			Tool:     tool,
			Message:  "Scan skipped: " + reason,
		})
	}
}

func kindIn(kind errors.Kind, kinds []errors.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
