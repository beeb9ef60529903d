package yarax

import (
	"testing"

	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

func testTool() *his.ToolInfo {
	return &his.ToolInfo{Name: "yara_x", Path: "/opt/tools/yara_x/yr", Installed: true}
}

func TestBuildInvocation(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		req      *his.ScanRequest
		wantArgs []string
		wantErr  bool
	}{
		{
			name: "path target with default rules",
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetPath, Value: "/srv/www"},
			},
			wantArgs: []string{"scan", DefaultRulesDir, "/srv/www", "--output-format", "json"},
		},
		{
			name: "recursive path",
			opts: Options{RulesDir: "/rules"},
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetPath, Value: "/srv", Recursive: true},
			},
			wantArgs: []string{"scan", "/rules", "/srv", "--output-format", "json", "-r"},
		},
		{
			name: "process target",
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetProcess, Value: "4242"},
			},
			wantArgs: []string{"scan", DefaultRulesDir, "--pid", "4242", "--output-format", "json"},
		},
		{
			name: "rules dir from request options",
			req: &his.ScanRequest{
				Tool:    "yara_x",
				Target:  his.ScanTarget{Type: his.TargetPath, Value: "/x"},
				Options: map[string]string{"rules_dir": "/custom/rules"},
			},
			wantArgs: []string{"scan", "/custom/rules", "/x", "--output-format", "json"},
		},
		{
			name: "non-numeric pid rejected",
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetProcess, Value: "notapid"},
			},
			wantErr: true,
		},
		{
			name: "empty path rejected",
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetPath},
			},
			wantErr: true,
		},
		{
			name: "eventlog target rejected",
			req: &his.ScanRequest{
				Tool:   "yara_x",
				Target: his.ScanTarget{Type: his.TargetEventLog, Value: "live"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewScanner(tt.opts).BuildInvocation(tt.req, testTool(), t.TempDir())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.GetKind(err) != errors.KindInvalidRequest {
					t.Errorf("kind = %v, want KindInvalidRequest", errors.GetKind(err))
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
		})
	}
}

func TestParseOutputModernFormat(t *testing.T) {
	stdout := `{
		"version": "1.6.0",
		"matches": [
			{"rule": "SUSP_Mimikatz_Strings", "file": "/tmp/mk.exe",
			 "metadata": {"severity": "critical", "description": "Mimikatz credential dumper strings", "mitre_attack": "T1003"}},
			{"rule": "Generic_Packer", "file": "/tmp/packed.bin"}
		]
	}`

	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{Stdout: []byte(stdout)})
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	f := findings[0]
	if f.Severity != severity.Critical {
		t.Errorf("Severity = %q, want critical from metadata", f.Severity)
	}
	if f.MitreATTACK != "T1003" {
		t.Errorf("MitreATTACK = %q", f.MitreATTACK)
	}
	if f.Category != his.CategorySuspiciousPattern {
		t.Errorf("Category = %q", f.Category)
	}
	if f.Target != "/tmp/mk.exe" {
		t.Errorf("Target = %q", f.Target)
	}

	// Default severity when metadata carries none.
	if findings[1].Severity != severity.High {
		t.Errorf("default Severity = %q, want high", findings[1].Severity)
	}
}

func TestParseOutputLegacyFormat(t *testing.T) {
	stdout := `{"path": "/usr/bin/suspicious", "rules": [{"identifier": "APT_Loader", "metadata": {"severity": "high"}}, {"identifier": "XOR_Obfuscation"}]}`

	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{Stdout: []byte(stdout)})
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}
	if findings[0].Title != "YARA: APT_Loader" {
		t.Errorf("Title = %q", findings[0].Title)
	}
	if findings[1].Target != "/usr/bin/suspicious" {
		t.Errorf("Target = %q", findings[1].Target)
	}
}

func TestParseOutputJSONLines(t *testing.T) {
	stdout := `{"rule": "Rule_A", "file": "/a"}
{"rule": "Rule_B", "file": "/b"}
not json at all`

	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{Stdout: []byte(stdout)})
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want 2 matches + 1 anomaly", len(findings))
	}
	if findings[2].Category != his.CategoryAnomaly {
		t.Errorf("malformed line should become an anomaly, got %q", findings[2].Category)
	}
}

func TestParseOutputEmpty(t *testing.T) {
	s := NewScanner(Options{})
	findings, err := s.ParseOutput(&his.RawOutput{Stdout: []byte("")})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %d, want 0", len(findings))
	}
}

func TestParseOutputUnknownMetadataSeverity(t *testing.T) {
	stdout := `{"matches": [{"rule": "R", "file": "/f", "metadata": {"severity": "bogus"}}]}`

	s := NewScanner(Options{})
	findings, _ := s.ParseOutput(&his.RawOutput{Stdout: []byte(stdout)})
	if len(findings) != 1 {
		t.Fatal("want 1 finding")
	}
	if findings[0].Severity != severity.High {
		t.Errorf("unrecognized metadata severity should fall back to high, got %q", findings[0].Severity)
	}
}
