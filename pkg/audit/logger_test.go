package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultLoggerConfig(t *testing.T) {
	cfg := DefaultLoggerConfig()

	if cfg == nil {
		t.Fatal("DefaultLoggerConfig returned nil")
	}

	if cfg.BufferSize != 100 {
		t.Errorf("BufferSize = %d, want 100", cfg.BufferSize)
	}

	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}

	if !strings.Contains(cfg.LogFile, ".hostscan") {
		t.Errorf("LogFile should contain .hostscan directory")
	}
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger(&LoggerConfig{
		AgentID: "test-agent",
		LogFile: logFile,
	})

	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	defer logger.Stop()

	if logger.config.AgentID != "test-agent" {
		t.Errorf("AgentID = %s, want test-agent", logger.config.AgentID)
	}

	// Log file should be created
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("Log file should be created")
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	logger, err := NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger with nil config should work: %v", err)
	}

	defer logger.Stop()

	if logger.config == nil {
		t.Error("Logger should have default config")
	}
}

func TestLogger_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	logger, _ := NewLogger(&LoggerConfig{
		LogFile:       filepath.Join(tmpDir, "test.log"),
		FlushInterval: 50 * time.Millisecond,
	})

	logger.Start()

	if !logger.running {
		t.Error("Logger should be running after Start")
	}

	// Start again should be no-op
	logger.Start()

	err := logger.Stop()
	if err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	if logger.running {
		t.Error("Logger should not be running after Stop")
	}
}

func TestLogger_Log(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		AgentID:       "test-agent",
		LogFile:       logFile,
		BufferSize:    1, // Small buffer to trigger immediate flush
		FlushInterval: 5 * time.Second,
	})

	logger.Start()

	logger.Log(Event{
		Type:     EventScanStarted,
		Severity: SeverityInfo,
		RunID:    "run-123",
		Tool:     "clamav",
		Message:  "Test scan started",
		Details: map[string]interface{}{
			"key": "value",
		},
	})

	time.Sleep(100 * time.Millisecond)

	logger.Stop()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Failed to parse log event: %v (data: %s)", err, string(data))
	}

	if event.Type != EventScanStarted {
		t.Errorf("Type = %s, want %s", event.Type, EventScanStarted)
	}

	if event.AgentID != "test-agent" {
		t.Errorf("AgentID = %s, want test-agent", event.AgentID)
	}

	if event.RunID != "run-123" {
		t.Errorf("RunID = %s, want run-123", event.RunID)
	}

	if event.Tool != "clamav" {
		t.Errorf("Tool = %s, want clamav", event.Tool)
	}
}

func TestLogger_Error(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: 1,
	})
	logger.Start()

	logger.Error(EventScanFailed, "Scan failed", errors.New("test error"), nil)

	time.Sleep(50 * time.Millisecond)
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	var event Event
	json.Unmarshal(data, &event)

	if event.Severity != SeverityError {
		t.Errorf("Severity = %s, want %s", event.Severity, SeverityError)
	}

	if event.Error != "test error" {
		t.Errorf("Error = %s, want test error", event.Error)
	}
}

func TestLogger_ScanCompleted(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: 1,
	})
	logger.Start()

	logger.ScanCompleted("run-123", "yara_x", 5*time.Second, 7)

	time.Sleep(50 * time.Millisecond)
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	var event Event
	json.Unmarshal(data, &event)

	if event.Type != EventScanCompleted {
		t.Errorf("Type = %s, want %s", event.Type, EventScanCompleted)
	}

	if event.Duration != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", event.Duration)
	}

	if !strings.Contains(event.Message, "7 findings") {
		t.Errorf("Message should include finding count: %s", event.Message)
	}
}

func TestLogger_PolicyViolation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: 1,
	})
	logger.Start()

	logger.PolicyViolation("run-123", "clamav", "target outside allowed roots")

	time.Sleep(50 * time.Millisecond)
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	var event Event
	json.Unmarshal(data, &event)

	if event.Type != EventPolicyViolation {
		t.Errorf("Type = %s, want %s", event.Type, EventPolicyViolation)
	}

	if event.Severity != SeverityWarning {
		t.Errorf("Severity = %s, want %s", event.Severity, SeverityWarning)
	}
}

func TestLogger_ToolProvisioned(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: 1,
	})
	logger.Start()

	logger.ToolProvisioned("hayabusa", "v3.0.1", "github_release")

	time.Sleep(50 * time.Millisecond)
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	var event Event
	json.Unmarshal(data, &event)

	if event.Type != EventToolProvisioned {
		t.Errorf("Type = %s, want %s", event.Type, EventToolProvisioned)
	}

	if event.Details["version"] != "v3.0.1" {
		t.Errorf("version = %v, want v3.0.1", event.Details["version"])
	}
}

func TestLogger_Flush(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:       logFile,
		BufferSize:    100, // Large buffer
		FlushInterval: 1 * time.Hour,
	})
	logger.Start()

	for i := 0; i < 10; i++ {
		logger.Info(EventScanStarted, "Test", nil)
	}

	logger.Flush()

	data, _ := os.ReadFile(logFile)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	if len(lines) != 10 {
		t.Errorf("Expected 10 events, got %d", len(lines))
	}

	logger.Stop()
}

func TestLogger_WithRun(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: 1,
	})
	logger.Start()

	runLogger := logger.WithRun("run-123")
	runLogger.Info(EventScanStarted, "Scan started", nil)

	time.Sleep(50 * time.Millisecond)
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	var event Event
	json.Unmarshal(data, &event)

	if event.RunID != "run-123" {
		t.Errorf("RunID = %s, want run-123", event.RunID)
	}
}

func TestLogger_ConcurrentLogging(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, _ := NewLogger(&LoggerConfig{
		LogFile:       logFile,
		BufferSize:    10,
		FlushInterval: 50 * time.Millisecond,
	})
	logger.Start()

	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				logger.Info(EventScanStarted, "Concurrent test", map[string]interface{}{
					"goroutine": id,
					"event":     j,
				})
			}
		}(i)
	}

	wg.Wait()

	// Explicitly flush before stopping to ensure all buffered events are written
	logger.Flush()
	logger.Stop()

	data, _ := os.ReadFile(logFile)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	expected := numGoroutines * eventsPerGoroutine
	if len(lines) != expected {
		t.Errorf("Expected %d events, got %d", expected, len(lines))
	}
}

func TestEventTypes(t *testing.T) {
	// Verify event type constants are unique
	types := []EventType{
		EventAgentStart, EventAgentStop, EventAgentError,
		EventPipelineStarted, EventPipelineCompleted, EventPipelineCancelled,
		EventScanStarted, EventScanCompleted, EventScanFailed, EventScanTimeout, EventScanSkipped, EventScanRetried,
		EventToolProvisioned, EventToolProvisionFailed, EventToolVerifyFailed,
		EventPolicyViolation, EventParseAnomaly,
		EventResourceThrottle, EventResourceResume,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if seen[et] {
			t.Errorf("Duplicate event type: %s", et)
		}
		seen[et] = true
	}
}
