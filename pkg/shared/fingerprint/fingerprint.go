// Package fingerprint provides unified fingerprint generation algorithms
// for deduplication of host security findings across agent and backend.
//
// IMPORTANT: This package is shared between the agent and the fleet backend.
// Any changes to fingerprint algorithms must be backward compatible
// or coordinated across both projects.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type represents the type of finding for fingerprint generation.
type Type string

const (
	// TypeSignature is for antivirus signature matches (ClamAV).
	TypeSignature Type = "signature"

	// TypePattern is for pattern-rule matches (YARA).
	TypePattern Type = "pattern"

	// TypeMemory is for in-memory process anomalies (HollowsHunter).
	TypeMemory Type = "memory"

	// TypeEventLog is for event-log detections (Hayabusa, Chainsaw).
	TypeEventLog Type = "eventlog"

	// TypePersistence is for autostart/persistence entries (Autoruns).
	TypePersistence Type = "persistence"

	// TypeUnsigned is for unsigned binary/DLL findings (Sigcheck, ListDLLs).
	TypeUnsigned Type = "unsigned"

	// TypeGeneric is for findings that don't fit other categories.
	TypeGeneric Type = "generic"
)

// Input contains the data needed to generate a fingerprint.
// Not all fields are required - only the relevant ones for the finding type.
type Input struct {
	// Type of finding (signature, pattern, memory, eventlog, persistence, unsigned, generic)
	Type Type

	// Common fields
	Tool   string // Tool that produced the finding
	Target string // Scanned file path, PID reference, or log channel
	Title  string // Finding title

	// Signature/pattern fields
	RuleName string // Signature or rule identifier

	// Memory fields
	PID         string // Process ID
	ProcessName string // Process image name
	AnomalyType string // replaced, implanted, hdr_modified, ...

	// Event-log fields
	Computer  string // Host the event was recorded on
	Channel   string // Event log channel
	EventID   string // Windows event ID
	RuleTitle string // Detection rule title

	// Persistence fields
	Entry     string // Autostart entry location
	ImagePath string // Launched image path
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters) that uniquely
// identifies a finding based on its type and relevant attributes.
//
// The algorithm varies by finding type to ensure optimal deduplication:
//   - Signature/pattern: tool + rule + target (same rule on same file)
//   - Memory: tool + pid + process + anomaly (same anomaly in same process)
//   - Eventlog: tool + computer + channel + event + rule (same alert)
//   - Persistence: tool + entry + image (same autostart entry)
//   - Unsigned: tool + target (same unsigned file)
//   - Generic: tool + target + title (fallback)
func Generate(input Input) string {
	var data string

	switch input.Type {
	case TypeSignature, TypePattern:
		data = fmt.Sprintf("%s:%s:%s:%s",
			input.Type,
			normalize(input.Tool),
			normalize(input.RuleName),
			normalize(input.Target),
		)

	case TypeMemory:
		data = fmt.Sprintf("memory:%s:%s:%s:%s",
			normalize(input.Tool),
			normalize(input.PID),
			normalize(input.ProcessName),
			normalize(input.AnomalyType),
		)

	case TypeEventLog:
		data = fmt.Sprintf("eventlog:%s:%s:%s:%s:%s",
			normalize(input.Tool),
			normalize(input.Computer),
			normalize(input.Channel),
			normalize(input.EventID),
			normalize(input.RuleTitle),
		)

	case TypePersistence:
		data = fmt.Sprintf("persistence:%s:%s:%s",
			normalize(input.Tool),
			normalize(input.Entry),
			normalize(input.ImagePath),
		)

	case TypeUnsigned:
		data = fmt.Sprintf("unsigned:%s:%s",
			normalize(input.Tool),
			normalize(input.Target),
		)

	default:
		data = fmt.Sprintf("generic:%s:%s:%s",
			normalize(input.Tool),
			normalize(input.Target),
			normalize(input.Title),
		)
	}

	return hash(data)
}

// GenerateFinding is a convenience helper for the common case where only the
// tool, category-ish type, target, and title are known.
func GenerateFinding(tool string, t Type, target, title string) string {
	return Generate(Input{Type: t, Tool: tool, Target: target, Title: title})
}

// normalize lowercases and trims a fingerprint component so that cosmetic
// differences (case, surrounding whitespace) don't produce distinct IDs.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// hash returns the SHA256 hex digest of the input string.
func hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
