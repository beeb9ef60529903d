// Package security is the top-level entry point: it wires the tool
// manager, scanner registry, pipeline, store, and optional fleet
// transport behind one facade so callers hold a single handle.
package security

import (
	"context"
	"sync"

	"github.com/sentriva/hostscan/pkg/audit"
	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/pipeline"
	"github.com/sentriva/hostscan/pkg/policy"
	"github.com/sentriva/hostscan/pkg/remote"
	"github.com/sentriva/hostscan/pkg/scanners"
	"github.com/sentriva/hostscan/pkg/scanners/sysmon"
	"github.com/sentriva/hostscan/pkg/tools"
)

// =============================================================================
// Facade - single entry point over the scan subsystem
// =============================================================================

// Facade bundles the scan subsystem behind one handle. It keeps the most
// recent pipeline result in memory; history lives in the store when one
// is configured.
type Facade struct {
	pol       *policy.SecurityPolicy
	logger    core.Logger
	collector metrics.Collector
	auditor   *audit.Logger
	registry  *scanners.Registry
	manager   *tools.Manager
	pipeline  *pipeline.Pipeline
	transport *remote.Transport
	sysmon    *sysmon.Manager

	mu     sync.RWMutex
	latest *his.PipelineResult
}

// Option configures a Facade.
type Option func(*config)

type config struct {
	logger       core.Logger
	collector    metrics.Collector
	auditor      *audit.Logger
	sink         pipeline.ResultSink
	registry     *scanners.Registry
	manager      *tools.Manager
	transport    *remote.Transport
	pipelineOpts []pipeline.Option
	sysmonConfig string
}

// WithLogger sets the diagnostic logger shared by all components the
// facade constructs.
func WithLogger(logger core.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(c *config) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithAudit sets the audit trail logger.
func WithAudit(auditor *audit.Logger) Option {
	return func(c *config) { c.auditor = auditor }
}

// WithStore sets the result sink every completed run is written to.
func WithStore(sink pipeline.ResultSink) Option {
	return func(c *config) { c.sink = sink }
}

// WithRegistry replaces the default scanner registry.
func WithRegistry(r *scanners.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithToolManager replaces the default tool manager.
func WithToolManager(m *tools.Manager) Option {
	return func(c *config) { c.manager = m }
}

// WithRemote attaches a fleet transport. The facade pings it after each
// run so the server side sees a live agent without a separate heartbeat
// loop.
func WithRemote(t *remote.Transport) Option {
	return func(c *config) { c.transport = t }
}

// WithPipelineOptions forwards extra options to the underlying pipeline,
// for callers that need custom profiles or dry-run behaviour.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(c *config) { c.pipelineOpts = append(c.pipelineOpts, opts...) }
}

// WithSysmonConfig sets the Sysmon XML configuration used by the
// telemetry service manager.
func WithSysmonConfig(path string) Option {
	return func(c *config) { c.sysmonConfig = path }
}

// New builds a facade over the given policy. Components not supplied via
// options are constructed with defaults: the built-in scanner registry
// and a tool manager derived from the policy.
func New(pol *policy.SecurityPolicy, opts ...Option) *Facade {
	if pol == nil {
		pol = policy.Default()
	}

	cfg := &config{
		logger:    core.GetDefaultLogger(),
		collector: metrics.GetDefaultCollector(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.registry == nil {
		cfg.registry = scanners.NewDefaultRegistry(scanners.DefaultConfig())
	}
	if cfg.manager == nil {
		cfg.manager = tools.NewManager(pol,
			tools.WithLogger(cfg.logger),
			tools.WithMetrics(cfg.collector))
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(cfg.logger),
		pipeline.WithMetrics(cfg.collector),
	}
	if cfg.auditor != nil {
		pipeOpts = append(pipeOpts, pipeline.WithAudit(cfg.auditor))
	}
	if cfg.sink != nil {
		pipeOpts = append(pipeOpts, pipeline.WithStore(cfg.sink))
	}
	pipeOpts = append(pipeOpts, cfg.pipelineOpts...)

	return &Facade{
		pol:       pol,
		logger:    cfg.logger,
		collector: cfg.collector,
		auditor:   cfg.auditor,
		registry:  cfg.registry,
		manager:   cfg.manager,
		pipeline:  pipeline.New(pol, cfg.registry, cfg.manager, pipeOpts...),
		transport: cfg.transport,
		sysmon:    sysmon.NewManager(cfg.manager, cfg.logger, cfg.sysmonConfig),
	}
}

// Registry returns the scanner registry, for callers registering custom
// scanners after construction.
func (f *Facade) Registry() *scanners.Registry {
	return f.registry
}

// ToolManager returns the underlying tool manager.
func (f *Facade) ToolManager() *tools.Manager {
	return f.manager
}

// Sysmon returns the telemetry service manager. Sysmon feeds the event
// logs that the event-log scanners consume; its lifecycle (install,
// config update, status, removal) is managed here rather than per scan.
func (f *Facade) Sysmon() *sysmon.Manager {
	return f.sysmon
}

// Profiles returns the declared profile names, sorted.
func (f *Facade) Profiles() []string {
	return f.pipeline.Profiles()
}

// CheckTools resolves every catalogued tool and verifies the installed
// ones by probing their version output.
func (f *Facade) CheckTools(ctx context.Context) map[string]*his.ToolInfo {
	infos := f.manager.CheckAll()
	for _, info := range infos {
		if info.Installed {
			f.manager.Verify(ctx, info)
		}
	}
	return infos
}

// ProvisionTool downloads and installs a single tool from its configured
// release source.
func (f *Facade) ProvisionTool(ctx context.Context, name string) error {
	return f.manager.Provision(ctx, name)
}

// ProvisionAll provisions every missing provisionable tool and returns
// the per-tool errors.
func (f *Facade) ProvisionAll(ctx context.Context) map[string]error {
	return f.manager.ProvisionAll(ctx)
}

// RunProfile runs the named profile and retains the result as the latest
// run. When a fleet transport is configured the facade pings it after the
// run completes; ping failures are logged, never surfaced.
func (f *Facade) RunProfile(ctx context.Context, name string) (*his.PipelineResult, error) {
	result, err := f.pipeline.RunProfile(ctx, name)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.latest = result
	f.mu.Unlock()

	if f.transport != nil {
		if err := f.transport.Ping(ctx); err != nil {
			f.logger.Warn("post-run ping failed: %v", err)
		}
	}
	return result, nil
}

// LatestFindings returns the most recent pipeline result, or nil before
// the first run. Each run overwrites the previous one.
func (f *Facade) LatestFindings() *his.PipelineResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest
}

// HasCriticalFindings reports whether the latest run produced at least
// one critical finding.
func (f *Facade) HasCriticalFindings() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest != nil && f.latest.Summary.Critical > 0
}
