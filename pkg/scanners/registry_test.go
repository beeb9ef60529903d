package scanners

import (
	"reflect"
	"testing"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/his"
)

type fakeScanner struct {
	name string
}

func (f *fakeScanner) Tool() string       { return f.name }
func (f *fakeScanner) Kind() his.ToolKind { return his.KindPattern }
func (f *fakeScanner) BuildInvocation(req *his.ScanRequest, tool *his.ToolInfo, workDir string) (*core.CommandSpec, error) {
	return &core.CommandSpec{Path: tool.Path}, nil
}
func (f *fakeScanner) ParseOutput(raw *his.RawOutput) ([]his.Finding, error) {
	return nil, nil
}

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()

	if r.Get("foo") != nil {
		t.Error("unregistered tool should yield nil")
	}

	s := &fakeScanner{name: "foo"}
	r.Register(s)
	if got := r.Get("foo"); got != s {
		t.Errorf("Get(foo) = %v", got)
	}

	// Registering the same tool name replaces the previous scanner.
	s2 := &fakeScanner{name: "foo"}
	r.Register(s2)
	if got := r.Get("foo"); got != s2 {
		t.Error("re-registration must replace")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeScanner{name: "zeta"})
	r.Register(&fakeScanner{name: "alpha"})
	r.Register(&fakeScanner{name: "mid"})

	want := []string{"alpha", "mid", "zeta"}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(DefaultConfig())

	want := []string{
		"autorunsc", "chainsaw", "clamav", "hayabusa",
		"hollows_hunter", "listdlls", "sigcheck", "yara_x",
	}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	for _, name := range want {
		s := r.Get(name)
		if s == nil {
			t.Fatalf("missing scanner %q", name)
		}
		if s.Tool() != name {
			t.Errorf("Tool() = %q, registered as %q", s.Tool(), name)
		}
	}
}
