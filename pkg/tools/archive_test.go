package tools

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/sentriva/hostscan/pkg/errors"
)

func buildTar(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractZip(t *testing.T) {
	dest := t.TempDir()
	archive := buildZip(t, map[string][]byte{
		"bin/tool.exe": []byte("binary"),
		"README.md":    []byte("docs"),
	})

	if err := extractArchive("release.zip", archive, dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "bin", "tool.exe"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "binary" {
		t.Errorf("content = %q", data)
	}
}

func TestExtractTarGz(t *testing.T) {
	dest := t.TempDir()
	tarball := buildTar(t, map[string][]byte{"nested/tool": []byte("tar content")})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(tarball); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	if err := extractArchive("release.tar.gz", buf.Bytes(), dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "nested", "tool"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "tar content" {
		t.Errorf("content = %q", data)
	}
}

func TestExtractTarZst(t *testing.T) {
	dest := t.TempDir()
	tarball := buildTar(t, map[string][]byte{"tool.exe": []byte("zstd content")})

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(tarball); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	if err := extractArchive("release.tar.zst", buf.Bytes(), dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "tool.exe"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "zstd content" {
		t.Errorf("content = %q", data)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	err := extractArchive("release.rar", []byte("data"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if errors.GetKind(err) != errors.KindProvisionArchive {
		t.Errorf("kind = %v, want KindProvisionArchive", errors.GetKind(err))
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dest := t.TempDir()

	t.Run("zip entry with dotdot", func(t *testing.T) {
		archive := buildZip(t, map[string][]byte{"../escape.exe": []byte("evil")})
		err := extractArchive("release.zip", archive, dest)
		if err == nil {
			t.Fatal("traversal entry must be rejected")
		}
		if errors.GetKind(err) != errors.KindProvisionArchive {
			t.Errorf("kind = %v, want KindProvisionArchive", errors.GetKind(err))
		}
		if _, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.exe")); !os.IsNotExist(statErr) {
			t.Error("traversal entry was written outside dest")
		}
	})

	t.Run("tar entry with dotdot", func(t *testing.T) {
		tarball := buildTar(t, map[string][]byte{"../../escape": []byte("evil")})
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write(tarball)
		_ = gz.Close()

		if err := extractArchive("release.tar.gz", buf.Bytes(), dest); err == nil {
			t.Fatal("traversal entry must be rejected")
		}
	})
}

func TestSecurePath(t *testing.T) {
	dest := t.TempDir()

	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain file", "tool.exe", false},
		{"nested file", "bin/tool.exe", false},
		{"dot segment", "./tool.exe", false},
		{"parent escape", "../tool.exe", true},
		{"deep escape", "a/../../tool.exe", true},
		{"absolute path", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := securePath(dest, tt.entry)
			if tt.wantErr {
				if err == nil {
					t.Errorf("securePath(%q) = %q, want error", tt.entry, got)
				}
				return
			}
			if err != nil {
				t.Errorf("securePath(%q): %v", tt.entry, err)
			}
		})
	}
}

func TestZipPreservesNestedLayout(t *testing.T) {
	// Resolution handles nested extraction, so extraction must not flatten.
	dest := t.TempDir()
	archive := buildZip(t, map[string][]byte{
		"chainsaw/chainsaw.exe":       []byte("bin"),
		"chainsaw/mappings/sigma.yml": []byte("mapping"),
	})

	if err := extractArchive("chainsaw.zip", archive, dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	for _, rel := range []string{
		filepath.Join("chainsaw", "chainsaw.exe"),
		filepath.Join("chainsaw", "mappings", "sigma.yml"),
	} {
		if _, err := os.Stat(filepath.Join(dest, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}
