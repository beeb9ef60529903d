// Package audit provides structured audit logging for scan operations.
//
// All security-relevant agent operations are logged via this package to enable:
// - Security monitoring and incident response
// - Debugging and troubleshooting
// - Compliance and audit trails
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Lifecycle events
	EventAgentStart EventType = "agent_start"
	EventAgentStop  EventType = "agent_stop"
	EventAgentError EventType = "agent_error"

	// Pipeline events
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventPipelineCancelled EventType = "pipeline_cancelled"

	// Scan events
	EventScanStarted   EventType = "scan_started"
	EventScanCompleted EventType = "scan_completed"
	EventScanFailed    EventType = "scan_failed"
	EventScanTimeout   EventType = "scan_timeout"
	EventScanSkipped   EventType = "scan_skipped"
	EventScanRetried   EventType = "scan_retried"

	// Tool events
	EventToolProvisioned     EventType = "tool_provisioned"
	EventToolProvisionFailed EventType = "tool_provision_failed"
	EventToolVerifyFailed    EventType = "tool_verify_failed"

	// Policy and parse events
	EventPolicyViolation EventType = "policy_violation"
	EventParseAnomaly    EventType = "parse_anomaly"

	// Resource events
	EventResourceThrottle EventType = "resource_throttle"
	EventResourceResume   EventType = "resource_resume"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	AgentID   string                 `json:"agent_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// AgentID is the agent identifier included in all events.
	AgentID string

	// LogFile is the path to the audit log file.
	// Default: ~/.hostscan/audit.log
	LogFile string

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	// Default: 5 seconds
	FlushInterval time.Duration

	// Verbose enables console output of audit events.
	Verbose bool
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}

	return &LoggerConfig{
		LogFile:       filepath.Join(home, ".hostscan", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the audit logger. Events are buffered and written as JSON lines.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	// Apply defaults for zero values
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// Open log file for append (0640 = owner read/write, group read)
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}

	return l, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops the logger and flushes remaining events.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()

	l.Flush()

	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	event.Timestamp = time.Now()
	if event.AgentID == "" {
		event.AgentID = l.config.AgentID
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Verbose {
		l.printEvent(event)
	}

	if shouldFlush {
		go l.Flush()
	}
}

// Convenience methods for common event types

// Info logs an informational event.
func (l *Logger) Info(eventType EventType, message string, details map[string]interface{}) {
	l.Log(Event{
		Type:     eventType,
		Severity: SeverityInfo,
		Message:  message,
		Details:  details,
	})
}

// Error logs an error event.
func (l *Logger) Error(eventType EventType, message string, err error, details map[string]interface{}) {
	event := Event{
		Type:     eventType,
		Severity: SeverityError,
		Message:  message,
		Details:  details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// ScanStarted logs a scan start event.
func (l *Logger) ScanStarted(runID, tool string, details map[string]interface{}) {
	l.Log(Event{
		Type:     EventScanStarted,
		Severity: SeverityInfo,
		RunID:    runID,
		Tool:     tool,
		Message:  fmt.Sprintf("Scan started: %s", tool),
		Details:  details,
	})
}

// ScanCompleted logs a scan completion event.
func (l *Logger) ScanCompleted(runID, tool string, duration time.Duration, findings int) {
	l.Log(Event{
		Type:     EventScanCompleted,
		Severity: SeverityInfo,
		RunID:    runID,
		Tool:     tool,
		Message:  fmt.Sprintf("Scan completed: %s (%d findings)", tool, findings),
		Duration: duration,
		Details:  map[string]interface{}{"findings": findings},
	})
}

// ScanFailed logs a scan failure event.
func (l *Logger) ScanFailed(runID, tool string, err error, details map[string]interface{}) {
	event := Event{
		Type:     EventScanFailed,
		Severity: SeverityError,
		RunID:    runID,
		Tool:     tool,
		Message:  fmt.Sprintf("Scan failed: %s", tool),
		Details:  details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// PolicyViolation logs a rejected scan request.
func (l *Logger) PolicyViolation(runID, tool, reason string) {
	l.Log(Event{
		Type:     EventPolicyViolation,
		Severity: SeverityWarning,
		RunID:    runID,
		Tool:     tool,
		Message:  "Policy violation: " + reason,
	})
}

// ToolProvisioned logs a successful tool installation.
func (l *Logger) ToolProvisioned(tool, version, source string) {
	l.Log(Event{
		Type:     EventToolProvisioned,
		Severity: SeverityInfo,
		Tool:     tool,
		Message:  fmt.Sprintf("Tool provisioned: %s %s", tool, version),
		Details:  map[string]interface{}{"version": version, "source": source},
	})
}

// ResourceThrottle logs a resource throttling event.
func (l *Logger) ResourceThrottle(reason string, metrics map[string]interface{}) {
	l.Log(Event{
		Type:     EventResourceThrottle,
		Severity: SeverityWarning,
		Message:  "Resource throttling activated: " + reason,
		Details:  metrics,
	})
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(data)
		_, _ = l.file.Write([]byte("\n"))
	}

	_ = l.file.Sync()
}

// flushLoop periodically flushes buffered events.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// printEvent prints an event to console in human-readable format.
func (l *Logger) printEvent(event Event) {
	timestamp := event.Timestamp.Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] [%s] %s: %s\n", timestamp, event.Severity, event.Type, event.Message)
	if event.Error != "" {
		fmt.Printf("  Error: %s\n", event.Error)
	}
}

// WithRun returns a run-scoped logger wrapper.
func (l *Logger) WithRun(runID string) *RunLogger {
	return &RunLogger{logger: l, runID: runID}
}

// RunLogger wraps Logger with a pipeline run ID.
type RunLogger struct {
	logger *Logger
	runID  string
}

// Info logs an info event scoped to the run.
func (rl *RunLogger) Info(eventType EventType, message string, details map[string]interface{}) {
	rl.logger.Log(Event{
		Type:     eventType,
		Severity: SeverityInfo,
		RunID:    rl.runID,
		Message:  message,
		Details:  details,
	})
}

// Error logs an error event scoped to the run.
func (rl *RunLogger) Error(eventType EventType, message string, err error, details map[string]interface{}) {
	event := Event{
		Type:     eventType,
		Severity: SeverityError,
		RunID:    rl.runID,
		Message:  message,
		Details:  details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	rl.logger.Log(event)
}
