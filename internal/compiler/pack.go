package compiler

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

var pdfConf = model.NewDefaultConfiguration()

// ValidatePDF checks that path is a nonempty, structurally valid PDF and
// returns its page count. A truncated PDF from an interrupted engine run
// still stats as nonempty, so structure validation is required before the
// file is published as a job artifact.
func ValidatePDF(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, types.NewAppErrorWithDetails(types.ErrFileNotFound, "output PDF not found", path, err)
	}
	if info.Size() == 0 {
		return 0, types.NewAppErrorWithDetails(types.ErrCompile, "output PDF is empty", path, nil)
	}
	if err := api.ValidateFile(path, pdfConf); err != nil {
		return 0, types.NewAppErrorWithDetails(types.ErrCompile, "output PDF failed validation", path, err)
	}
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, types.NewAppErrorWithDetails(types.ErrCompile, "output PDF not readable", path, err)
	}
	return pdfCtx.PageCount, nil
}

// CopyFile copies src to dst, creating parent directories as needed.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrFileNotFound, "copy source not found", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create destination directory", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create destination file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return types.NewAppError(types.ErrInternal, "file copy failed", err)
	}
	return out.Sync()
}

// Extensions of intermediate toolchain files that do not belong in the
// published source archive.
var zipSkipExts = map[string]bool{
	".aux": true, ".out": true, ".toc": true, ".lof": true, ".lot": true,
	".blg": true, ".synctex": true, ".fls": true, ".fdb_latexmk": true,
	".nav": true, ".snm": true, ".vrb": true, ".spl": true,
}

// BuildProjectZip archives the translated project tree so users can rebuild
// or edit the translation themselves. Compile intermediates are omitted; the
// .bbl is kept because rebuilding without the original .bib would lose
// resolved references.
func BuildProjectZip(projectRoot, zipPath string) error {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create archive directory", err)
	}
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return types.NewAppError(types.ErrInternal, "failed to create archive", err)
	}
	defer zipFile.Close()

	zw := zip.NewWriter(zipFile)
	defer zw.Close()

	count := 0
	err = filepath.WalkDir(projectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != projectRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if zipSkipExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err == nil {
			count++
		}
		return err
	})
	if err != nil {
		return types.NewAppError(types.ErrInternal, "failed to archive project", err)
	}

	logger.Info("project archive built",
		logger.String("zip", filepath.Base(zipPath)), logger.Int("files", count))
	return nil
}
