package policy

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
)

func TestDefault(t *testing.T) {
	p := Default()

	if p.Mode != ModeStrict {
		t.Errorf("Mode = %q, want %q", p.Mode, ModeStrict)
	}
	if p.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", p.Concurrency)
	}
	if p.Retry.MaxAttempts != 2 {
		t.Errorf("Retry.MaxAttempts = %d, want 2", p.Retry.MaxAttempts)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default policy should validate, got: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
mode: strict
allowed_roots:
  - /opt/scans
allowed_commands:
  - clamscan
  - yr
tools_dir: /opt/tools
output_dir: /var/lib/hostscan
concurrency: 4
retry:
  max_attempts: 3
  retry_on: [timeout]
  base_delay: 1s
profiles:
  - name: quick
    steps:
      - tool: clamav
        target:
          type: path
          value: /opt/scans
        timeout: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if p.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", p.Concurrency)
	}
	if len(p.Profiles) != 1 || p.Profiles[0].Name != "quick" {
		t.Fatalf("Profiles = %+v, want one profile named quick", p.Profiles)
	}
	step := p.Profiles[0].Steps[0]
	if step.Tool != "clamav" || step.Timeout != 5*time.Minute {
		t.Errorf("step = %+v, want clamav with 5m timeout", step)
	}

	// Defaults survive partial documents.
	if p.Retry.MaxDelay != 30*time.Second {
		t.Errorf("Retry.MaxDelay = %v, want default 30s", p.Retry.MaxDelay)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		if errors.GetKind(err) != errors.KindConfig {
			t.Errorf("kind = %v, want KindConfig", errors.GetKind(err))
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		os.WriteFile(path, []byte("mode: [unclosed"), 0o644)
		_, err := Load(path)
		if errors.GetKind(err) != errors.KindConfig {
			t.Errorf("kind = %v, want KindConfig", errors.GetKind(err))
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		path := filepath.Join(dir, "mode.yaml")
		os.WriteFile(path, []byte("mode: lax\ntools_dir: /t\noutput_dir: /o\n"), 0o644)
		_, err := Load(path)
		if errors.GetKind(err) != errors.KindConfig {
			t.Errorf("kind = %v, want KindConfig", errors.GetKind(err))
		}
	})
}

func TestValidateProfiles(t *testing.T) {
	p := Default()
	p.Profiles = []Profile{{Name: "empty"}}
	if err := p.Validate(); err == nil {
		t.Error("profile without steps should not validate")
	}

	p.Profiles = []Profile{{Name: "nameless-tool", Steps: []Step{{Tool: ""}}}}
	if err := p.Validate(); err == nil {
		t.Error("step without tool should not validate")
	}
}

func TestPathAllowed(t *testing.T) {
	tests := []struct {
		name  string
		mode  Mode
		roots []string
		path  string
		want  bool
	}{
		{"inside root", ModeStrict, []string{"/opt/scans"}, "/opt/scans/sample.bin", true},
		{"root itself", ModeStrict, []string{"/opt/scans"}, "/opt/scans", true},
		{"outside root", ModeStrict, []string{"/opt/scans"}, "/etc/shadow", false},
		{"traversal escape", ModeStrict, []string{"/opt/scans"}, "/opt/scans/../../etc", false},
		{"prefix collision", ModeStrict, []string{"/opt/scans"}, "/opt/scans-evil/x", false},
		{"no roots allows all", ModeStrict, nil, "/anything", true},
		{"permissive allows all", ModePermissive, []string{"/opt/scans"}, "/etc/shadow", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &SecurityPolicy{Mode: tt.mode, AllowedRoots: tt.roots}
			if got := p.PathAllowed(tt.path); got != tt.want {
				t.Errorf("PathAllowed(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestCommandAllowed(t *testing.T) {
	p := &SecurityPolicy{Mode: ModeStrict, AllowedCommands: []string{"clamscan", "yr"}}

	tests := []struct {
		path string
		want bool
	}{
		{"/usr/bin/clamscan", true},
		{"/opt/tools/yr.exe", true}, // extension-insensitive match
		{"/usr/bin/rm", false},
		{"clamscan", true},
	}
	for _, tt := range tests {
		if got := p.CommandAllowed(tt.path); got != tt.want {
			t.Errorf("CommandAllowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestValidateSpec(t *testing.T) {
	p := &SecurityPolicy{
		Mode:            ModeStrict,
		AllowedRoots:    []string{"/opt/scans"},
		AllowedCommands: []string{"clamscan"},
	}

	t.Run("allowed", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/clamscan"}
		target := his.ScanTarget{Type: his.TargetPath, Value: "/opt/scans/x"}
		if err := p.ValidateSpec(spec, target); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("disallowed command", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/nc"}
		err := p.ValidateSpec(spec, his.ScanTarget{Type: his.TargetSystem})
		if errors.GetKind(err) != errors.KindInvalidRequest {
			t.Errorf("kind = %v, want KindInvalidRequest", errors.GetKind(err))
		}
	})

	t.Run("disallowed target", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/clamscan"}
		err := p.ValidateSpec(spec, his.ScanTarget{Type: his.TargetPath, Value: "/etc"})
		if errors.GetKind(err) != errors.KindInvalidRequest {
			t.Errorf("kind = %v, want KindInvalidRequest", errors.GetKind(err))
		}
	})

	t.Run("non-path target skips root check", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/clamscan"}
		target := his.ScanTarget{Type: his.TargetProcess, Value: strconv.Itoa(os.Getpid())}
		if err := p.ValidateSpec(spec, target); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("dead process target", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/clamscan"}
		// Far beyond any real PID range.
		err := p.ValidateSpec(spec, his.ScanTarget{Type: his.TargetProcess, Value: "999999999"})
		if errors.GetKind(err) != errors.KindInvalidRequest {
			t.Errorf("kind = %v, want KindInvalidRequest", errors.GetKind(err))
		}
	})

	t.Run("non-numeric process target", func(t *testing.T) {
		spec := &core.CommandSpec{Path: "/usr/bin/clamscan"}
		err := p.ValidateSpec(spec, his.ScanTarget{Type: his.TargetProcess, Value: "svchost"})
		if errors.GetKind(err) != errors.KindInvalidRequest {
			t.Errorf("kind = %v, want KindInvalidRequest", errors.GetKind(err))
		}
	})
}

func TestRetryKinds(t *testing.T) {
	r := RetryPolicy{RetryOn: []string{"timeout", " Execution ", "parse", "tool_unavailable"}}
	kinds := r.RetryKinds()

	want := []errors.Kind{errors.KindTimeout, errors.KindExecution, errors.KindToolUnavailable}
	if len(kinds) != len(want) {
		t.Fatalf("RetryKinds() = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestProfileByName(t *testing.T) {
	p := Default()
	p.Profiles = []Profile{{Name: "quick", Steps: []Step{{Tool: "clamav"}}}}

	if got, ok := p.ProfileByName("quick"); !ok || got.Name != "quick" {
		t.Errorf("ProfileByName(quick) = %v, %v", got, ok)
	}
	if _, ok := p.ProfileByName("missing"); ok {
		t.Error("ProfileByName(missing) should not be found")
	}
}
