package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(runID, profile string, started time.Time) *his.PipelineResult {
	result := &his.PipelineResult{
		RunID:     runID,
		Profile:   profile,
		Status:    his.PipelineCompleted,
		StartedAt: started,
		EndedAt:   started.Add(5 * time.Minute),
		Results: []his.ScanResult{
			{
				ScanID:   runID + "-scan-1",
				Tool:     "clamav",
				Status:   his.StatusCompleted,
				Duration: 90 * time.Second,
				Attempts: 1,
				Findings: []his.Finding{
					{
						ID:       runID + "-f1",
						Tool:     "clamav",
						Severity: severity.High,
						Category: his.CategoryMalwareSignature,
						Title:    "ClamAV: Win.Trojan.Agent",
						Target:   `C:\Users\x\dropper.exe`,
						Evidence: map[string]string{"malware": "Win.Trojan.Agent"},
					},
				},
				Raw: &his.RawOutput{ExitCode: 1, Stdout: []byte("dropper.exe: Win.Trojan.Agent FOUND")},
			},
			{
				ScanID:   runID + "-scan-2",
				Tool:     "listdlls",
				Status:   his.StatusSkipped,
				Error:    "tool listdlls is not installed",
				Attempts: 0,
			},
		},
	}
	for i := range result.Results {
		for _, f := range result.Results[i].Findings {
			result.Summary.Increment(f.Severity)
		}
	}
	return result
}

func TestSaveAndLatestRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sampleResult("run-1", "daily_security_scan", time.Now().UTC().Truncate(time.Second))
	if err := s.SaveResult(ctx, in); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	out, err := s.LatestRun(ctx, "daily_security_scan")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if out == nil {
		t.Fatal("LatestRun = nil")
	}

	if out.RunID != in.RunID || out.Status != his.PipelineCompleted {
		t.Errorf("run = %s/%s", out.RunID, out.Status)
	}
	if out.Summary.High != 1 || out.Summary.Total != 1 {
		t.Errorf("Summary = %+v", out.Summary)
	}

	// Scan results come back in declared step order.
	if len(out.Results) != 2 {
		t.Fatalf("results = %d", len(out.Results))
	}
	if out.Results[0].Tool != "clamav" || out.Results[1].Tool != "listdlls" {
		t.Errorf("order = %s, %s", out.Results[0].Tool, out.Results[1].Tool)
	}
	if out.Results[1].Status != his.StatusSkipped || out.Results[1].Error == "" {
		t.Errorf("skipped result = %+v", out.Results[1])
	}

	f := out.Results[0].Findings[0]
	if f.Severity != severity.High || f.Evidence["malware"] != "Win.Trojan.Agent" {
		t.Errorf("finding = %+v", f)
	}
	if f.RawRef != out.Results[0].ScanID {
		t.Errorf("RawRef = %q", f.RawRef)
	}
}

func TestLatestRunNone(t *testing.T) {
	s := newTestStore(t)

	out, err := s.LatestRun(context.Background(), "never_ran")
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("LatestRun = %+v, want nil", out)
	}
}

func TestLatestRunPicksNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	if err := s.SaveResult(ctx, sampleResult("run-old", "daily", base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResult(ctx, sampleResult("run-new", "daily", base)); err != nil {
		t.Fatal(err)
	}

	out, err := s.LatestRun(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if out.RunID != "run-new" {
		t.Errorf("RunID = %q, want run-new", out.RunID)
	}
}

func TestListFindingsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result := sampleResult("run-1", "daily", time.Now().UTC())
	result.Results[0].Findings = append(result.Results[0].Findings,
		his.Finding{
			ID: "f-crit", Tool: "yara_x", Severity: severity.Critical,
			Category: his.CategorySuspiciousPattern, Title: "YARA: Mimikatz",
		},
		his.Finding{
			ID: "f-info", Tool: "clamav", Severity: severity.Info,
			Category: his.CategoryAnomaly, Title: "anomaly",
		},
	)
	if err := s.SaveResult(ctx, result); err != nil {
		t.Fatal(err)
	}

	t.Run("minimum severity", func(t *testing.T) {
		findings, err := s.ListFindings(ctx, FindingFilter{Severity: severity.High})
		if err != nil {
			t.Fatal(err)
		}
		if len(findings) != 2 {
			t.Fatalf("findings = %d, want 2 at high or above", len(findings))
		}
		if findings[0].Severity != severity.Critical {
			t.Errorf("first severity = %q, want highest first", findings[0].Severity)
		}
	})

	t.Run("tool filter", func(t *testing.T) {
		findings, err := s.ListFindings(ctx, FindingFilter{Tool: "yara_x"})
		if err != nil {
			t.Fatal(err)
		}
		if len(findings) != 1 || findings[0].ID != "f-crit" {
			t.Errorf("findings = %v", findings)
		}
	})

	t.Run("limit", func(t *testing.T) {
		findings, err := s.ListFindings(ctx, FindingFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(findings) != 1 {
			t.Errorf("findings = %d, want 1", len(findings))
		}
	})
}

func TestRecentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.SaveResult(ctx, sampleResult(id, "daily", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Errorf("order = %s, %s, want newest first", runs[0].RunID, runs[1].RunID)
	}
	if runs[0].Summary.Total != 1 {
		t.Errorf("Summary = %+v", runs[0].Summary)
	}
}

func TestLoadRawRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result := sampleResult("run-1", "daily", time.Now().UTC())
	if err := s.SaveResult(ctx, result); err != nil {
		t.Fatal(err)
	}

	raw, err := s.LoadRaw(ctx, "run-1-scan-1")
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if raw == nil {
		t.Fatal("LoadRaw = nil")
	}
	if raw.ExitCode != 1 || !bytes.Contains(raw.Stdout, []byte("FOUND")) {
		t.Errorf("raw = %+v", raw)
	}

	// The skipped scan persisted no raw output.
	raw, err = s.LoadRaw(ctx, "run-1-scan-2")
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Errorf("raw = %+v, want nil", raw)
	}
}

func TestLoadRawCompressed(t *testing.T) {
	s, err := New(&Config{
		DatabasePath:         filepath.Join(t.TempDir(), "test.db"),
		RawCompressThreshold: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	big := bytes.Repeat([]byte("timeline row with repeated content\n"), 200)
	result := sampleResult("run-big", "daily", time.Now().UTC())
	result.Results[0].Raw = &his.RawOutput{Stdout: big}

	if err := s.SaveResult(ctx, result); err != nil {
		t.Fatal(err)
	}

	var algo string
	var size int
	err = s.db.QueryRow(`SELECT raw_algo, raw_size FROM scan_results WHERE scan_id = ?`,
		"run-big-scan-1").Scan(&algo, &size)
	if err != nil {
		t.Fatal(err)
	}
	if algo != "zstd" {
		t.Errorf("raw_algo = %q, want zstd", algo)
	}
	if size >= len(big) {
		t.Errorf("stored %d bytes for %d-byte payload, expected compression", size, len(big))
	}

	raw, err := s.LoadRaw(ctx, "run-big-scan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw.Stdout, big) {
		t.Error("round trip mismatch")
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := sampleResult("run-old", "daily", time.Now().UTC().Add(-48*time.Hour))
	recent := sampleResult("run-new", "daily", time.Now().UTC())
	if err := s.SaveResult(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResult(ctx, recent); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-new" {
		t.Errorf("runs = %v", runs)
	}

	// Cascade removed the old run's findings too.
	findings, err := s.ListFindings(ctx, FindingFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range findings {
		if f.ID == "run-old-f1" {
			t.Error("pruned run's findings still present")
		}
	}
}
