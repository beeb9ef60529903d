package hayabusa

import (
	"strings"
	"testing"

	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

func testTool() *his.ToolInfo {
	return &his.ToolInfo{Name: "hayabusa", Path: "/opt/tools/hayabusa/hayabusa", Installed: true}
}

func TestBuildInvocation(t *testing.T) {
	workDir := t.TempDir()
	outArg := workDir + "/" + TimelineFileName

	tests := []struct {
		name     string
		opts     Options
		req      *his.ScanRequest
		wantArgs []string
		wantErr  bool
	}{
		{
			name: "live event logs",
			req: &his.ScanRequest{
				Tool:   "hayabusa",
				Target: his.ScanTarget{Type: his.TargetEventLog, Value: "live"},
			},
			wantArgs: []string{"csv-timeline", "--no-wizard", "-l", "-m", "medium", "-o", outArg, "-q"},
		},
		{
			name: "empty target defaults to live",
			req: &his.ScanRequest{
				Tool:   "hayabusa",
				Target: his.ScanTarget{Type: his.TargetSystem},
			},
			wantArgs: []string{"csv-timeline", "--no-wizard", "-l", "-m", "medium", "-o", outArg, "-q"},
		},
		{
			name: "offline evtx directory",
			req: &his.ScanRequest{
				Tool:   "hayabusa",
				Target: his.ScanTarget{Type: his.TargetPath, Value: "/evidence/logs"},
			},
			wantArgs: []string{"csv-timeline", "--no-wizard", "-d", "/evidence/logs", "-m", "medium", "-o", outArg, "-q"},
		},
		{
			name: "min level from scanner options",
			opts: Options{MinLevel: "high"},
			req: &his.ScanRequest{
				Tool:   "hayabusa",
				Target: his.ScanTarget{Type: his.TargetEventLog},
			},
			wantArgs: []string{"csv-timeline", "--no-wizard", "-l", "-m", "high", "-o", outArg, "-q"},
		},
		{
			name: "min level from request options wins",
			opts: Options{MinLevel: "high"},
			req: &his.ScanRequest{
				Tool:    "hayabusa",
				Target:  his.ScanTarget{Type: his.TargetEventLog},
				Options: map[string]string{"min_level": "low"},
			},
			wantArgs: []string{"csv-timeline", "--no-wizard", "-l", "-m", "low", "-o", outArg, "-q"},
		},
		{
			name: "process target rejected",
			req: &his.ScanRequest{
				Tool:   "hayabusa",
				Target: his.ScanTarget{Type: his.TargetProcess, Value: "4"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewScanner(tt.opts).BuildInvocation(tt.req, testTool(), workDir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.GetKind(err) != errors.KindInvalidRequest {
					t.Errorf("kind = %v", errors.GetKind(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildInvocation: %v", err)
			}
			if len(spec.Args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", spec.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if spec.Args[i] != tt.wantArgs[i] {
					t.Errorf("arg[%d] = %q, want %q", i, spec.Args[i], tt.wantArgs[i])
				}
			}
			if spec.Dir != workDir {
				t.Errorf("Dir = %q", spec.Dir)
			}
		})
	}
}

const timelineFixture = `Timestamp,Computer,Channel,EventID,Level,RuleTitle,Details
2026-03-01 10:15:00,WS01,Security,4625,high,Logon Failure Burst,"Account: admin, Count: 50"
2026-03-01 10:16:00,WS01,Sysmon,1,informational,Process Created,cmd.exe
2026-03-01 10:17:00,WS02,Security,4720,critical,Suspicious Account Created,"Account: backdoor"
`

func TestParseOutput(t *testing.T) {
	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{
		Artifacts: map[string][]byte{TimelineFileName: []byte(timelineFixture)},
	})
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}

	// The informational row is skipped.
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	f := findings[0]
	if f.Severity != severity.High {
		t.Errorf("Severity = %q, want high", f.Severity)
	}
	if f.Category != his.CategoryEventLogAlert {
		t.Errorf("Category = %q", f.Category)
	}
	if f.Title != "Hayabusa: Logon Failure Burst" {
		t.Errorf("Title = %q", f.Title)
	}
	if f.Target != "WS01:Security" {
		t.Errorf("Target = %q", f.Target)
	}
	if f.Evidence["event_id"] != "4625" {
		t.Errorf("Evidence = %v", f.Evidence)
	}
	if !strings.Contains(f.Description, "Count: 50") {
		t.Errorf("Description = %q", f.Description)
	}

	if findings[1].Severity != severity.Critical {
		t.Errorf("second Severity = %q, want critical", findings[1].Severity)
	}
}

func TestParseOutputStdoutFallback(t *testing.T) {
	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{Stdout: []byte(timelineFixture)})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 2 {
		t.Errorf("findings = %d, want 2 from stdout timeline", len(findings))
	}
}

func TestParseOutputEmpty(t *testing.T) {
	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %d, want 0", len(findings))
	}
}

func TestParseOutputMalformedRows(t *testing.T) {
	csv := "Timestamp,Computer,Channel,EventID,Level,RuleTitle,Details\n" +
		"2026-03-01 10:15:00,WS01,Security,4625,high,Rule A,details\n" +
		"\"unterminated quote,WS01\n"

	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{
		Artifacts: map[string][]byte{TimelineFileName: []byte(csv)},
	})
	if err != nil {
		t.Fatal(err)
	}

	var anomalies int
	for _, f := range findings {
		if f.Category == his.CategoryAnomaly {
			anomalies++
		}
	}
	if anomalies == 0 {
		t.Error("malformed CSV rows should degrade to anomaly findings")
	}
}

func TestParseOutputStableFingerprint(t *testing.T) {
	s := NewScanner(Options{})
	data := map[string][]byte{TimelineFileName: []byte(timelineFixture)}

	first, _ := s.ParseOutput(&his.RawOutput{Artifacts: data})
	second, _ := s.ParseOutput(&his.RawOutput{Artifacts: data})
	if first[0].ID != second[0].ID {
		t.Error("same timeline row must fingerprint identically")
	}
}
