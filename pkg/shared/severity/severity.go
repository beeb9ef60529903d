// Package severity provides unified severity level definitions and mappings
// for security findings produced by the host scan pipeline.
//
// IMPORTANT: This package is shared between the agent and the fleet backend.
// Any changes must be backward compatible or coordinated across both projects.
package severity

import "strings"

// Level represents a severity level for security findings.
type Level string

const (
	// Critical - Immediate action required. Active compromise indicators.
	Critical Level = "critical"

	// High - Serious finding that should be investigated urgently.
	High Level = "high"

	// Medium - Moderate risk, investigate during normal triage.
	Medium Level = "medium"

	// Low - Minor issue, review when convenient.
	Low Level = "low"

	// Info - Informational finding, no direct security impact.
	Info Level = "info"

	// Unknown - Severity could not be determined.
	Unknown Level = "unknown"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Info, Unknown}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// FromString normalizes various severity string formats to a standard Level.
// Handles common formats from different detection tools:
//   - Hayabusa: critical, high, med, low, informational
//   - Chainsaw/Sigma: critical, high, medium, low, informational
//   - YARA rule metadata: critical, high, medium, low, info
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH", "ERROR", "SEVERE":
		return High
	case "MEDIUM", "MODERATE", "WARNING", "WARN", "MED":
		return Medium
	case "LOW":
		return Low
	case "INFO", "INFORMATIONAL", "NOTE", "NONE":
		return Info
	default:
		return Unknown
	}
}

// FromSigmaLevel maps Sigma rule levels (used by Hayabusa and Chainsaw) to
// a severity Level. Unrecognized levels map to Info so that event-log rows
// without a usable level never disappear from counts.
func FromSigmaLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical", "crit":
		return Critical
	case "high":
		return High
	case "medium", "med":
		return Medium
	case "low":
		return Low
	default:
		return Info
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// Min returns the lower severity of two levels.
func Min(a, b Level) Level {
	if a.IsHigherThan(b) {
		return b
	}
	return a
}

// CountBySeverity counts findings by severity level.
type CountBySeverity struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	case Info:
		c.Info++
	default:
		c.Unknown++
	}
}

// Add merges another count into this one.
func (c *CountBySeverity) Add(other CountBySeverity) {
	c.Critical += other.Critical
	c.High += other.High
	c.Medium += other.Medium
	c.Low += other.Low
	c.Info += other.Info
	c.Unknown += other.Unknown
	c.Total += other.Total
}

// HighestSeverity returns the highest severity level that has a non-zero count.
func (c *CountBySeverity) HighestSeverity() Level {
	if c.Critical > 0 {
		return Critical
	}
	if c.High > 0 {
		return High
	}
	if c.Medium > 0 {
		return Medium
	}
	if c.Low > 0 {
		return Low
	}
	if c.Info > 0 {
		return Info
	}
	return Unknown
}
