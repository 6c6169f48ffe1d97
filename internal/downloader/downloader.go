// Package downloader fetches arXiv source packages and extracts them safely.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

const arxivBaseURL = "https://arxiv.org"

// Downloader fetches source archives and original PDFs from arXiv mirrors.
type Downloader struct {
	client  *resty.Client
	baseURL string
}

// New builds a Downloader with the given per-request timeout.
func New(timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", "arxiv-translate/1.0")
	return &Downloader{client: client, baseURL: arxivBaseURL}
}

// SetBaseURL overrides the arXiv endpoint, used by tests.
func (d *Downloader) SetBaseURL(u string) {
	d.baseURL = strings.TrimRight(u, "/")
}

// DownloadSourceArchive tries the src and e-print endpoints for each id form
// and writes the first usable response to outputPath. HTML bodies announcing
// a missing source package are rejected, not saved. Returns the URL used.
func (d *Downloader) DownloadSourceArchive(ctx context.Context, paperID, canonicalID, outputPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", types.NewAppError(types.ErrInternal, "failed to create download directory", err)
	}

	candidateIDs := []string{paperID}
	if canonicalID != "" && canonicalID != paperID {
		candidateIDs = append(candidateIDs, canonicalID)
	}

	var candidateURLs []string
	for _, id := range candidateIDs {
		candidateURLs = append(candidateURLs,
			d.baseURL+"/src/"+id,
			d.baseURL+"/e-print/"+id)
	}

	var lastError string
	for _, url := range candidateURLs {
		resp, err := d.client.R().SetContext(ctx).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return "", types.NewAppError(types.ErrCancelled, "download cancelled", ctx.Err())
			}
			lastError = fmt.Sprintf("%s: %v", url, err)
			continue
		}
		body := resp.Body()
		if resp.StatusCode() >= 400 || len(body) == 0 {
			lastError = fmt.Sprintf("%s: status=%d", url, resp.StatusCode())
			continue
		}

		contentType := strings.ToLower(resp.Header().Get("Content-Type"))
		if strings.Contains(contentType, "text/html") {
			headLen := len(body)
			if headLen > 500 {
				headLen = 500
			}
			head := strings.ToLower(string(body[:headLen]))
			if strings.Contains(head, "no source") || strings.Contains(head, "abs/") {
				lastError = fmt.Sprintf("%s: no source package available", url)
				continue
			}
		}

		if err := os.WriteFile(outputPath, body, 0o644); err != nil {
			return "", types.NewAppError(types.ErrInternal, "failed to save source archive", err)
		}
		logger.Info("source archive downloaded",
			logger.String("url", url), logger.Int("bytes", len(body)))
		return url, nil
	}

	if lastError == "" {
		lastError = "unknown error"
	}
	return "", types.NewAppErrorWithDetails(types.ErrDownload, "failed to download arXiv source", lastError, nil)
}

// DownloadOriginalPDF saves the published PDF next to the translation output.
// Best effort: a missing PDF is reported, never fatal to the job.
func (d *Downloader) DownloadOriginalPDF(ctx context.Context, paperID, outputPath string) (string, error) {
	url := d.baseURL + "/pdf/" + paperID + ".pdf"
	resp, err := d.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", types.NewAppErrorWithDetails(types.ErrDownload, "failed to download original PDF", url, err)
	}
	body := resp.Body()
	if resp.StatusCode() >= 400 || len(body) == 0 {
		return "", types.NewAppErrorWithDetails(types.ErrDownload, "original PDF not available",
			fmt.Sprintf("%s: status=%d", url, resp.StatusCode()), nil)
	}
	contentType := strings.ToLower(resp.Header().Get("Content-Type"))
	if strings.Contains(contentType, "text/html") {
		return "", types.NewAppErrorWithDetails(types.ErrDownload, "original PDF not available", url, nil)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", types.NewAppError(types.ErrInternal, "failed to create output directory", err)
	}
	if err := os.WriteFile(outputPath, body, 0o644); err != nil {
		return "", types.NewAppError(types.ErrInternal, "failed to save original PDF", err)
	}
	return url, nil
}
