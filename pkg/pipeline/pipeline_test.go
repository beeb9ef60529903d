package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/policy"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

type stubScanner struct {
	name      string
	BuildFunc func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error)
	ParseFunc func(raw *his.RawOutput) ([]his.Finding, error)
}

func (s *stubScanner) Tool() string       { return s.name }
func (s *stubScanner) Kind() his.ToolKind { return his.KindPattern }

func (s *stubScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	if s.BuildFunc != nil {
		return s.BuildFunc(req, tool, workDir)
	}
	return &core.CommandSpec{Path: tool.Path, Dir: workDir}, nil
}

func (s *stubScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	if s.ParseFunc != nil {
		return s.ParseFunc(raw)
	}
	return nil, nil
}

type mapSource map[string]core.Scanner

func (m mapSource) Get(name string) core.Scanner { return m[name] }

type stubResolver struct {
	ResolveFunc func(name string) (*his.ToolInfo, error)
}

func (s *stubResolver) Resolve(name string) (*his.ToolInfo, error) { return s.ResolveFunc(name) }

type captureSink struct {
	saved []*his.PipelineResult
}

func (c *captureSink) SaveResult(ctx context.Context, result *his.PipelineResult) error {
	c.saved = append(c.saved, result)
	return nil
}

func binPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s binary not available", name)
	}
	return path
}

func testPolicy(t *testing.T) *policy.SecurityPolicy {
	t.Helper()
	pol := policy.Default()
	pol.Mode = policy.ModePermissive
	pol.OutputDir = t.TempDir()
	pol.Retry.MaxAttempts = 1
	pol.Retry.BaseDelay = time.Millisecond
	return pol
}

func allInstalled(path string) core.ToolResolver {
	return &stubResolver{
		ResolveFunc: func(name string) (*his.ToolInfo, error) {
			return &his.ToolInfo{Name: name, Path: path, Installed: true}, nil
		},
	}
}

func echoScanner(name string, findings []his.Finding) *stubScanner {
	return &stubScanner{
		name: name,
		ParseFunc: func(raw *his.RawOutput) ([]his.Finding, error) {
			return findings, nil
		},
	}
}

func profileOf(name string, tools ...string) policy.Profile {
	p := policy.Profile{Name: name}
	for _, tool := range tools {
		p.Steps = append(p.Steps, policy.Step{
			Tool:    tool,
			Target:  his.ScanTarget{Type: his.TargetSystem},
			Timeout: 30 * time.Second,
		})
	}
	return p
}

func TestRunProfileUnknownProfile(t *testing.T) {
	p := New(testPolicy(t), mapSource{}, allInstalled("/bin/true"))

	_, err := p.RunProfile(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.GetKind(err) != errors.KindConfig {
		t.Errorf("kind = %v, want KindConfig", errors.GetKind(err))
	}
}

func TestRunProfileUnregisteredTool(t *testing.T) {
	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("custom", "ghost_tool")}

	p := New(pol, mapSource{}, allInstalled("/bin/true"))
	_, err := p.RunProfile(context.Background(), "custom")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.GetKind(err) != errors.KindConfig {
		t.Errorf("kind = %v, want KindConfig", errors.GetKind(err))
	}
}

func TestRunProfileDeclaredOrder(t *testing.T) {
	truePath := binPath(t, "true")

	pol := testPolicy(t)
	pol.Concurrency = 3
	pol.Profiles = []policy.Profile{profileOf("ordered", "alpha", "beta", "gamma")}

	src := mapSource{
		"alpha": echoScanner("alpha", nil),
		"beta":  echoScanner("beta", nil),
		"gamma": echoScanner("gamma", nil),
	}

	p := New(pol, src, allInstalled(truePath))
	result, err := p.RunProfile(context.Background(), "ordered")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Status != his.PipelineCompleted {
		t.Errorf("Status = %q, want completed", result.Status)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(result.Results) != len(want) {
		t.Fatalf("results = %d", len(result.Results))
	}
	for i, tool := range want {
		if result.Results[i].Tool != tool {
			t.Errorf("result[%d].Tool = %q, want %q", i, result.Results[i].Tool, tool)
		}
		if result.Results[i].Status != his.StatusCompleted {
			t.Errorf("result[%d].Status = %q", i, result.Results[i].Status)
		}
	}
}

func TestRunProfileSummaryAndSink(t *testing.T) {
	truePath := binPath(t, "true")

	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("summarized", "alpha")}

	findings := []his.Finding{
		{ID: "a", Tool: "alpha", Severity: severity.Critical, Category: his.CategoryMalwareSignature},
		{ID: "b", Tool: "alpha", Severity: severity.Medium, Category: his.CategoryUnsignedBinary},
	}
	src := mapSource{"alpha": echoScanner("alpha", findings)}
	sink := &captureSink{}

	p := New(pol, src, allInstalled(truePath), WithStore(sink))
	result, err := p.RunProfile(context.Background(), "summarized")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Summary.Critical != 1 || result.Summary.Medium != 1 || result.Summary.Total != 2 {
		t.Errorf("Summary = %+v", result.Summary)
	}
	if !result.HasCritical() {
		t.Error("HasCritical() = false")
	}
	if len(sink.saved) != 1 || sink.saved[0].RunID != result.RunID {
		t.Errorf("sink received %v", sink.saved)
	}

	// Findings carry a back-reference to the scan that produced them.
	scanID := result.Results[0].ScanID
	for _, f := range result.Results[0].Findings {
		if f.RawRef != scanID {
			t.Errorf("RawRef = %q, want %q", f.RawRef, scanID)
		}
	}
}

func TestRunProfileSkipsUnavailableTool(t *testing.T) {
	truePath := binPath(t, "true")

	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("mixed", "present", "absent")}

	src := mapSource{
		"present": echoScanner("present", nil),
		"absent":  echoScanner("absent", nil),
	}
	resolver := &stubResolver{
		ResolveFunc: func(name string) (*his.ToolInfo, error) {
			if name == "absent" {
				return &his.ToolInfo{Name: name, Installed: false}, nil
			}
			return &his.ToolInfo{Name: name, Path: truePath, Installed: true}, nil
		},
	}

	p := New(pol, src, resolver)
	result, err := p.RunProfile(context.Background(), "mixed")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Results[0].Status != his.StatusCompleted {
		t.Errorf("present status = %q", result.Results[0].Status)
	}
	if result.Results[1].Status != his.StatusSkipped {
		t.Errorf("absent status = %q", result.Results[1].Status)
	}

	// Skipped tools do not fail the run.
	if result.Status != his.PipelineCompleted {
		t.Errorf("Status = %q, want completed", result.Status)
	}
}

func TestRunProfileIsolatesFailures(t *testing.T) {
	truePath := binPath(t, "true")
	falsePath := binPath(t, "false")

	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("mixed", "good", "bad")}

	src := mapSource{
		"good": echoScanner("good", nil),
		"bad":  echoScanner("bad", nil),
	}
	resolver := &stubResolver{
		ResolveFunc: func(name string) (*his.ToolInfo, error) {
			path := truePath
			if name == "bad" {
				path = falsePath
			}
			return &his.ToolInfo{Name: name, Path: path, Installed: true}, nil
		},
	}

	p := New(pol, src, resolver)
	result, err := p.RunProfile(context.Background(), "mixed")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Results[0].Status != his.StatusCompleted {
		t.Errorf("good status = %q", result.Results[0].Status)
	}
	if result.Results[1].Status != his.StatusFailed {
		t.Errorf("bad status = %q", result.Results[1].Status)
	}
	if result.Status != his.PipelinePartiallyFailed {
		t.Errorf("Status = %q, want partially_failed", result.Status)
	}
}

func TestRunProfileRetriesExecutionErrors(t *testing.T) {
	falsePath := binPath(t, "false")

	pol := testPolicy(t)
	pol.Retry.MaxAttempts = 3
	pol.Retry.RetryOn = []string{"execution"}
	pol.Profiles = []policy.Profile{profileOf("flaky", "bad")}

	collector := metrics.NewInMemoryCollector()
	src := mapSource{"bad": echoScanner("bad", nil)}

	p := New(pol, src, allInstalled(falsePath), WithMetrics(collector))
	result, err := p.RunProfile(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	res := result.Results[0]
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if res.Status != his.StatusFailed {
		t.Errorf("Status = %q", res.Status)
	}
	if got := collector.GetCounter(metrics.ScanRetries.Name, "bad"); got != 2 {
		t.Errorf("retry counter = %v, want 2", got)
	}
}

func TestRunProfileInvalidRequestNotRetried(t *testing.T) {
	pol := testPolicy(t)
	pol.Retry.MaxAttempts = 3
	pol.Retry.RetryOn = []string{"timeout", "execution"}
	pol.Profiles = []policy.Profile{profileOf("rejecting", "picky")}

	src := mapSource{
		"picky": &stubScanner{
			name: "picky",
			BuildFunc: func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
				return nil, errors.E(errors.KindInvalidRequest, "picky.BuildInvocation", "bad target")
			},
		},
	}

	p := New(pol, src, allInstalled("/bin/true"))
	result, err := p.RunProfile(context.Background(), "rejecting")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	res := result.Results[0]
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (no retry on invalid request)", res.Attempts)
	}
	if res.Status != his.StatusFailed {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestRunProfileTimeout(t *testing.T) {
	sleepPath := binPath(t, "sleep")

	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{{
		Name: "slow",
		Steps: []policy.Step{{
			Tool:    "sleeper",
			Target:  his.ScanTarget{Type: his.TargetSystem},
			Timeout: 100 * time.Millisecond,
		}},
	}}

	src := mapSource{
		"sleeper": &stubScanner{
			name: "sleeper",
			BuildFunc: func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
				return &core.CommandSpec{Path: tool.Path, Args: []string{"10"}, Dir: workDir}, nil
			},
		},
	}

	p := New(pol, src, allInstalled(sleepPath))
	result, err := p.RunProfile(context.Background(), "slow")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Results[0].Status != his.StatusTimedOut {
		t.Errorf("Status = %q, want timed_out", result.Results[0].Status)
	}
	if result.Status != his.PipelinePartiallyFailed {
		t.Errorf("pipeline Status = %q", result.Status)
	}
}

func TestRunProfileCancellation(t *testing.T) {
	sleepPath := binPath(t, "sleep")

	pol := testPolicy(t)
	pol.Concurrency = 1
	pol.Profiles = []policy.Profile{{
		Name: "cancellable",
		Steps: []policy.Step{
			{Tool: "sleeper", Target: his.ScanTarget{Type: his.TargetSystem}, Timeout: time.Minute},
			{Tool: "sleeper", Target: his.ScanTarget{Type: his.TargetSystem}, Timeout: time.Minute},
		},
	}}

	src := mapSource{
		"sleeper": &stubScanner{
			name: "sleeper",
			BuildFunc: func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
				return &core.CommandSpec{Path: tool.Path, Args: []string{"10"}, Dir: workDir}, nil
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	p := New(pol, src, allInstalled(sleepPath))
	result, err := p.RunProfile(ctx, "cancellable")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Status != his.PipelineCancelled {
		t.Errorf("Status = %q, want cancelled", result.Status)
	}
	for i, res := range result.Results {
		if res.Status != his.StatusCancelled {
			t.Errorf("result[%d].Status = %q, want cancelled", i, res.Status)
		}
	}
}

func TestRunProfileParseErrorDegrades(t *testing.T) {
	truePath := binPath(t, "true")

	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("degrading", "mangler")}

	src := mapSource{
		"mangler": &stubScanner{
			name: "mangler",
			ParseFunc: func(raw *his.RawOutput) ([]his.Finding, error) {
				return nil, errors.E(errors.KindParse, "mangler.ParseOutput", "unexpected output shape")
			},
		},
	}

	p := New(pol, src, allInstalled(truePath))
	result, err := p.RunProfile(context.Background(), "degrading")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	res := result.Results[0]
	if res.Status != his.StatusCompleted {
		t.Errorf("Status = %q, parse problems must not fail the scan", res.Status)
	}
	if len(res.Findings) != 1 || res.Findings[0].Category != his.CategoryAnomaly {
		t.Errorf("Findings = %v, want one anomaly", res.Findings)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, parse anomalies must not retry", res.Attempts)
	}
}

func TestRunProfileDryRun(t *testing.T) {
	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf("dry", "alpha")}

	src := mapSource{"alpha": echoScanner("alpha", nil)}

	// The resolved path does not exist; a dry run must never spawn it.
	p := New(pol, src, allInstalled("/nonexistent/alpha"), WithDryRun(true))
	result, err := p.RunProfile(context.Background(), "dry")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	if result.Results[0].Status != his.StatusCompleted {
		t.Errorf("Status = %q", result.Results[0].Status)
	}
	if result.Results[0].Raw != nil {
		t.Error("dry run must not produce raw output")
	}
}

func TestRunProfilePolicyViolation(t *testing.T) {
	pol := testPolicy(t)
	pol.Mode = policy.ModeStrict
	pol.AllowedCommands = []string{"permitted"}
	pol.Profiles = []policy.Profile{profileOf("strict", "alpha")}

	src := mapSource{"alpha": echoScanner("alpha", nil)}

	p := New(pol, src, allInstalled("/usr/bin/forbidden"))
	result, err := p.RunProfile(context.Background(), "strict")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	res := result.Results[0]
	if res.Status != his.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, policy rejections must not retry", res.Attempts)
	}
}

func TestRunProfileDeadProcessTarget(t *testing.T) {
	sh := binPath(t, "sh")
	marker := filepath.Join(t.TempDir(), "spawned")

	pol := testPolicy(t)
	pol.Retry.MaxAttempts = 3
	pol.Profiles = []policy.Profile{{
		Name: "procs",
		Steps: []policy.Step{{
			Tool: "alpha",
			// Far beyond any real PID range.
			Target:  his.ScanTarget{Type: his.TargetProcess, Value: "999999999"},
			Timeout: 30 * time.Second,
		}},
	}}

	src := mapSource{"alpha": &stubScanner{
		name: "alpha",
		BuildFunc: func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
			return &core.CommandSpec{Path: sh, Args: []string{"-c", "touch " + marker}, Dir: workDir}, nil
		},
	}}

	p := New(pol, src, allInstalled(sh))
	result, err := p.RunProfile(context.Background(), "procs")
	if err != nil {
		t.Fatalf("RunProfile: %v", err)
	}

	res := result.Results[0]
	if res.Status != his.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, invalid requests must not retry", res.Attempts)
	}
	if !strings.Contains(res.Error, "does not exist") {
		t.Errorf("Error = %q", res.Error)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("tool was spawned for a dead process target")
	}
}

func TestProfilesIncludeBuiltins(t *testing.T) {
	p := New(testPolicy(t), mapSource{}, allInstalled("/bin/true"))

	names := p.Profiles()
	var daily, forensic bool
	for _, name := range names {
		if name == ProfileDailySecurityScan {
			daily = true
		}
		if name == ProfileForensicTriage {
			forensic = true
		}
	}
	if !daily || !forensic {
		t.Errorf("Profiles() = %v, want built-ins present", names)
	}

	profile, ok := p.Profile(ProfileDailySecurityScan)
	if !ok || len(profile.Steps) != 7 {
		t.Errorf("daily profile steps = %d, want 7", len(profile.Steps))
	}
}

func TestPolicyProfileOverridesBuiltin(t *testing.T) {
	pol := testPolicy(t)
	pol.Profiles = []policy.Profile{profileOf(ProfileDailySecurityScan, "solo")}

	p := New(pol, mapSource{"solo": echoScanner("solo", nil)}, allInstalled("/bin/true"))
	profile, ok := p.Profile(ProfileDailySecurityScan)
	if !ok {
		t.Fatal("profile missing")
	}
	if len(profile.Steps) != 1 || profile.Steps[0].Tool != "solo" {
		t.Errorf("override not applied: %+v", profile.Steps)
	}
}
