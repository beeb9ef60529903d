package tools

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sentriva/hostscan/pkg/errors"
)

// maxExtractedFileBytes caps a single extracted file. Release archives for
// the supported tools are all well under this.
const maxExtractedFileBytes = 512 * 1024 * 1024

// extractArchive unpacks a release archive into destDir. Supported
// formats: zip, tar.gz/tgz, tar.zst. Entries that would escape destDir
// are rejected.
func extractArchive(name string, data []byte, destDir string) error {
	const op = "tools.extractArchive"

	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(data, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return errors.E(errors.KindProvisionArchive, op, err)
		}
		defer gz.Close()
		return extractTar(gz, destDir)
	case strings.HasSuffix(lower, ".tar.zst"):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return errors.E(errors.KindProvisionArchive, op, err)
		}
		defer zr.Close()
		return extractTar(zr, destDir)
	default:
		return errors.E(errors.KindProvisionArchive, op,
			fmt.Sprintf("unsupported archive format: %s", name))
	}
}

func extractZip(data []byte, destDir string) error {
	const op = "tools.extractZip"

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.E(errors.KindProvisionArchive, op, err)
	}

	for _, f := range zr.File {
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return provisionOSError(op, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return provisionOSError(op, err)
		}

		rc, err := f.Open()
		if err != nil {
			return errors.E(errors.KindProvisionArchive, op, err)
		}
		err = writeExtracted(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(r io.Reader, destDir string) error {
	const op = "tools.extractTar"

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.E(errors.KindProvisionArchive, op, err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return provisionOSError(op, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return provisionOSError(op, err)
			}
			if err := writeExtracted(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and special entries are skipped: nothing in the
			// supported tool archives needs them, and links are an easy
			// way to smuggle writes outside the tools dir.
		}
	}
}

// securePath joins an archive entry name onto destDir, rejecting absolute
// names and entries that traverse out of the destination.
func securePath(destDir, entryName string) (string, error) {
	const op = "tools.securePath"

	cleaned := filepath.Clean(filepath.FromSlash(entryName))
	if filepath.IsAbs(cleaned) {
		return "", errors.E(errors.KindProvisionArchive, op,
			fmt.Sprintf("archive entry has absolute path: %s", entryName))
	}
	target := filepath.Join(destDir, cleaned)

	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.E(errors.KindProvisionArchive, op,
			fmt.Sprintf("archive entry escapes destination: %s", entryName))
	}
	return target, nil
}

func writeExtracted(target string, r io.Reader, mode os.FileMode) error {
	const op = "tools.writeExtracted"

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return provisionOSError(op, err)
	}

	_, err = io.Copy(f, io.LimitReader(r, maxExtractedFileBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.E(errors.KindProvisionArchive, op, err)
	}
	return nil
}
