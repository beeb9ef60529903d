// Package parse provides the shared decoding helpers scanner adapters build
// their ParseOutput methods from: header-mapped CSV, JSON lines, suffix-match
// lines, and indented text trees. All helpers are pure over bytes and degrade
// malformed rows into anomaly findings instead of dropping them.
package parse

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/shared/fingerprint"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// Record is one decoded row keyed by its header column names.
type Record map[string]string

// Get returns the value for a column, tolerating case differences.
func (r Record) Get(key string) string {
	if v, ok := r[key]; ok {
		return v
	}
	for k, v := range r {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// CSVRecords decodes comma-separated data with a header row into records.
// Rows with a different field count than the header are returned separately
// as malformed lines rather than silently dropped.
func CSVRecords(data []byte) ([]Record, []string) {
	return DelimitedRecords(data, ',')
}

// DelimitedRecords decodes delimiter-separated data with a header row.
// Quoting follows RFC 4180 (Sysinternals and Hayabusa both emit quoted
// fields containing commas).
func DelimitedRecords(data []byte, delim rune) ([]Record, []string) {
	var records []Record
	var malformed []string

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err != io.EOF {
			malformed = append(malformed, firstLine(data))
		}
		return nil, malformed
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			malformed = append(malformed, err.Error())
			continue
		}
		if len(row) != len(header) {
			malformed = append(malformed, strings.Join(row, string(delim)))
			continue
		}
		rec := make(Record, len(header))
		for i, col := range header {
			rec[col] = strings.TrimSpace(row[i])
		}
		records = append(records, rec)
	}
	return records, malformed
}

// JSONLines decodes newline-delimited JSON objects. Lines that fail to
// decode are returned as malformed.
func JSONLines(data []byte) ([]map[string]any, []string) {
	var objects []map[string]any
	var malformed []string

	for _, line := range Lines(data) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			malformed = append(malformed, line)
			continue
		}
		objects = append(objects, obj)
	}
	return objects, malformed
}

// MatchLines extracts lines ending in the given suffix and splits off the
// suffix, returning the remainder of each line. ClamAV reports detections
// as "<path>: <signature> FOUND".
func MatchLines(data []byte, suffix string) []string {
	var matches []string
	for _, line := range Lines(data) {
		if strings.HasSuffix(line, suffix) {
			matches = append(matches, strings.TrimSpace(strings.TrimSuffix(line, suffix)))
		}
	}
	return matches
}

// Lines splits output into trimmed, non-empty lines.
func Lines(data []byte) []string {
	var lines []string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(strings.TrimSuffix(raw, "\r"), " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// TreeNode is one header line of an indented text report together with the
// indented lines that follow it. ListDLLs prints a process header followed
// by indented module lines.
type TreeNode struct {
	Header   string
	Children []string
}

// IndentedTree groups output lines into header/children nodes. A line is a
// header when it starts at column zero; indented lines attach to the most
// recent header. Indented lines before any header are discarded.
func IndentedTree(data []byte) []TreeNode {
	var nodes []TreeNode
	for _, line := range Lines(data) {
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		if !indented {
			nodes = append(nodes, TreeNode{Header: strings.TrimSpace(line)})
			continue
		}
		if len(nodes) == 0 {
			continue
		}
		nodes[len(nodes)-1].Children = append(nodes[len(nodes)-1].Children, strings.TrimSpace(line))
	}
	return nodes
}

// AnomalyFinding converts a malformed output fragment into an Info-severity
// anomaly finding so that undecodable rows stay visible in results.
func AnomalyFinding(tool, fragment string) his.Finding {
	const maxFragment = 512
	if len(fragment) > maxFragment {
		fragment = fragment[:maxFragment]
	}
	title := fmt.Sprintf("unparseable %s output", tool)
	return his.Finding{
		ID:          fingerprint.GenerateFinding(tool, fingerprint.TypeGeneric, fragment, title),
		Tool:        tool,
		Severity:    severity.Info,
		Category:    his.CategoryAnomaly,
		Title:       title,
		Description: "tool produced a row that did not match its expected output format",
		Evidence:    map[string]string{"fragment": fragment},
		Timestamp:   time.Now().UTC(),
	}
}

// AnomalyFindings converts a batch of malformed fragments, logging a single
// diagnostic with the count.
func AnomalyFindings(tool string, fragments []string, logger core.Logger) []his.Finding {
	if len(fragments) == 0 {
		return nil
	}
	if logger != nil {
		logger.Warn("%s produced %d unparseable output rows", tool, len(fragments))
	}
	findings := make([]his.Finding, 0, len(fragments))
	for _, f := range fragments {
		findings = append(findings, AnomalyFinding(tool, f))
	}
	return findings
}

// firstLine returns the first line of data for diagnostics.
func firstLine(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return strings.TrimSpace(string(data))
}
