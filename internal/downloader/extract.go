package downloader

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"arxiv-translate/internal/types"
)

// isWithin reports whether target stays inside base after cleaning. Archive
// member names are untrusted and may attempt path traversal.
func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ExtractSourceArchive unpacks archivePath into extractDir. arXiv serves
// gzipped tarballs, plain tarballs, zips, and occasionally a single raw tex
// file. The raw case is materialized as main.tex when it looks like LaTeX.
func ExtractSourceArchive(archivePath, extractDir string) error {
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create extract directory", err)
	}

	if ok, err := extractTar(archivePath, extractDir); ok || err != nil {
		return err
	}
	if ok, err := extractZip(archivePath, extractDir); ok || err != nil {
		return err
	}

	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return types.NewAppError(types.ErrExtract, "failed to read source archive", err)
	}
	if strings.Contains(string(raw), `\documentclass`) {
		if err := os.WriteFile(filepath.Join(extractDir, "main.tex"), raw, 0o644); err != nil {
			return types.NewAppError(types.ErrInternal, "failed to write main.tex", err)
		}
		return nil
	}

	return types.NewAppError(types.ErrExtract, "unsupported source package format, not tar/zip/plain tex", nil)
}

// extractTar attempts a tar (optionally gzipped) extraction. The first return
// value reports whether the file was recognized as a tarball at all.
func extractTar(archivePath, extractDir string) (bool, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return false, types.NewAppError(types.ErrExtract, "failed to open source archive", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if gz, err := gzip.NewReader(f); err == nil {
		defer gz.Close()
		reader = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, types.NewAppError(types.ErrExtract, "failed to rewind source archive", err)
		}
	}

	tr := tar.NewReader(reader)
	extracted := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !extracted {
				return false, nil
			}
			return true, types.NewAppError(types.ErrExtract, "corrupt tar archive", err)
		}

		target := filepath.Join(extractDir, filepath.FromSlash(hdr.Name))
		if !isWithin(extractDir, target) {
			return true, types.NewAppErrorWithDetails(types.ErrExtract, "unsafe tar member path", hdr.Name, nil)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return true, types.NewAppError(types.ErrInternal, "failed to create directory", err)
			}
		case tar.TypeReg:
			if err := writeFileFrom(tr, target); err != nil {
				return true, err
			}
			extracted = true
		default:
			// symlinks and specials from untrusted archives are skipped
		}
	}
	return extracted, nil
}

func extractZip(archivePath, extractDir string) (bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return false, nil
	}
	defer zr.Close()

	for _, member := range zr.File {
		target := filepath.Join(extractDir, filepath.FromSlash(member.Name))
		if !isWithin(extractDir, target) {
			return true, types.NewAppErrorWithDetails(types.ErrExtract, "unsafe zip member path", member.Name, nil)
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return true, types.NewAppError(types.ErrInternal, "failed to create directory", err)
			}
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return true, types.NewAppError(types.ErrExtract, "corrupt zip archive", err)
		}
		err = writeFileFrom(rc, target)
		rc.Close()
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

func writeFileFrom(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create directory", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create extracted file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return types.NewAppError(types.ErrExtract, "failed to write extracted file", err)
	}
	return nil
}
