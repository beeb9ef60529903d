// Package mocks provides mock implementations for testing.
// This follows AWS SDK, Google Cloud SDK patterns for testability.
package mocks

import (
	"context"
	"sync"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
)

// =============================================================================
// Mock Scanner
// =============================================================================

// MockScanner is a mock implementation of core.Scanner for testing.
type MockScanner struct {
	ToolVal string
	KindVal his.ToolKind

	// BuildInvocationFn is called when BuildInvocation is invoked
	BuildInvocationFn func(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error)

	// ParseOutputFn is called when ParseOutput is invoked
	ParseOutputFn func(raw *his.RawOutput) ([]his.Finding, error)

	// Call tracking
	BuildInvocationCalls []BuildInvocationCall
	ParseOutputCalls     int
}

type BuildInvocationCall struct {
	Request *his.ScanRequest
	Tool    *his.ToolInfo
	WorkDir string
}

func (m *MockScanner) Tool() string {
	if m.ToolVal != "" {
		return m.ToolVal
	}
	return "mock_tool"
}

func (m *MockScanner) Kind() his.ToolKind {
	if m.KindVal != "" {
		return m.KindVal
	}
	return his.KindPattern
}

func (m *MockScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	m.BuildInvocationCalls = append(m.BuildInvocationCalls, BuildInvocationCall{
		Request: req,
		Tool:    tool,
		WorkDir: workDir,
	})
	if m.BuildInvocationFn != nil {
		return m.BuildInvocationFn(req, tool, workDir)
	}
	return &core.CommandSpec{Path: tool.Path, Dir: workDir}, nil
}

func (m *MockScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	m.ParseOutputCalls++
	if m.ParseOutputFn != nil {
		return m.ParseOutputFn(raw)
	}
	return nil, nil
}

// Ensure MockScanner implements core.Scanner
var _ core.Scanner = (*MockScanner)(nil)

// =============================================================================
// Mock Resolver
// =============================================================================

// MockResolver is a mock implementation of core.ToolResolver for testing.
type MockResolver struct {
	// ResolveFn is called when Resolve is invoked
	ResolveFn func(name string) (*his.ToolInfo, error)

	// Tools is consulted when ResolveFn is nil; names not present resolve
	// as not installed
	Tools map[string]*his.ToolInfo

	ResolveCalls []string
}

func (m *MockResolver) Resolve(name string) (*his.ToolInfo, error) {
	m.ResolveCalls = append(m.ResolveCalls, name)
	if m.ResolveFn != nil {
		return m.ResolveFn(name)
	}
	if info, ok := m.Tools[name]; ok {
		return info.Clone(), nil
	}
	return &his.ToolInfo{Name: name, Installed: false}, nil
}

// Ensure MockResolver implements core.ToolResolver
var _ core.ToolResolver = (*MockResolver)(nil)

// =============================================================================
// Mock Result Sink
// =============================================================================

// MockSink records pipeline results handed to SaveResult. Safe for
// concurrent use.
type MockSink struct {
	// SaveResultFn is called when SaveResult is invoked
	SaveResultFn func(ctx context.Context, result *his.PipelineResult) error

	mu    sync.Mutex
	saved []*his.PipelineResult
}

func (m *MockSink) SaveResult(ctx context.Context, result *his.PipelineResult) error {
	m.mu.Lock()
	m.saved = append(m.saved, result)
	m.mu.Unlock()
	if m.SaveResultFn != nil {
		return m.SaveResultFn(ctx, result)
	}
	return nil
}

// Saved returns the results recorded so far.
func (m *MockSink) Saved() []*his.PipelineResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*his.PipelineResult, len(m.saved))
	copy(out, m.saved)
	return out
}
