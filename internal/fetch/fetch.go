// Package fetch retrieves artifact bytes for a source descriptor. The
// planner calls it only on a DOWNLOAD decision; everything downloaded lands
// in a staging directory outside the managed tree and is only moved into
// place after its digest is verified.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	syncerrors "git.home.luguber.info/inful/modsync/internal/errors"
	"git.home.luguber.info/inful/modsync/internal/hashing"
	"git.home.luguber.info/inful/modsync/internal/manifest"
	"git.home.luguber.info/inful/modsync/internal/retry"
)

// Result describes a successfully staged download.
type Result struct {
	// StagedPath is the downloaded file, parked in the staging directory.
	StagedPath string
	// FileName is the resolved artifact filename (Content-Disposition or
	// URL basename).
	FileName string
	// Digest is the sha256 of the staged bytes, computed while streaming.
	Digest string
	Size   int64
}

// Discard removes the staged file. Call when the download will not be
// installed (integrity failure, aborted plan step).
func (r *Result) Discard() {
	if r != nil && r.StagedPath != "" {
		_ = os.Remove(r.StagedPath)
	}
}

// Fetcher turns a source descriptor into staged artifact bytes.
type Fetcher interface {
	Fetch(ctx context.Context, desc manifest.SourceDescriptor) (*Result, error)
}

// HTTPFetcher downloads artifacts over HTTP(S). Project and slug
// descriptors are resolved against the repository base URL; direct-URL
// descriptors are fetched as-is.
type HTTPFetcher struct {
	client     *http.Client
	baseURL    string
	stagingDir string
	policy     retry.Policy
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher staging downloads under stagingDir.
func NewHTTPFetcher(baseURL, stagingDir string, policy retry.Policy, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:     &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
		stagingDir: stagingDir,
		policy:     policy,
		logger:     logger,
	}
}

// Fetch downloads the artifact for desc, retrying transient failures per
// the configured policy.
func (f *HTTPFetcher) Fetch(ctx context.Context, desc manifest.SourceDescriptor) (*Result, error) {
	u, err := f.urlFor(desc)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := f.policy.Delay(attempt)
			f.logger.Debug("Retrying download", "url", u, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, syncerrors.Network("download canceled", ctx.Err())
			case <-time.After(delay):
			}
		}

		res, err := f.fetchOnce(ctx, u)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !syncerrors.IsRetryable(err) || attempt >= f.policy.MaxRetries {
			return nil, lastErr
		}
	}
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, syncerrors.Network("invalid download URL "+rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, syncerrors.Network("download failed for "+rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, syncerrors.Network(fmt.Sprintf("server error %d for %s", resp.StatusCode, rawURL), nil)
	default:
		// Client errors (404 etc.) do not self-heal; don't retry.
		err := syncerrors.Network(fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, rawURL), nil)
		err.Retryable = false
		return nil, err
	}

	if err := os.MkdirAll(f.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	tmp, err := os.CreateTemp(f.stagingDir, "download-*.staged")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	digest, size, err := stream(resp.Body, tmp)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, syncerrors.Network("download interrupted for "+rawURL, err)
	}

	return &Result{
		StagedPath: tmp.Name(),
		FileName:   resolveFileName(resp, rawURL),
		Digest:     digest,
		Size:       size,
	}, nil
}

func (f *HTTPFetcher) urlFor(desc manifest.SourceDescriptor) (string, error) {
	switch desc.Type {
	case manifest.SourceURL:
		return desc.URL, nil
	case manifest.SourceProject:
		if f.baseURL == "" {
			return "", syncerrors.New(syncerrors.KindConfig, syncerrors.SeverityError,
				"project source requires a repository base URL")
		}
		return fmt.Sprintf("%s/projects/%s/versions/%s/download",
			f.baseURL, url.PathEscape(desc.Project), url.PathEscape(desc.Version)), nil
	case manifest.SourceSlug:
		if f.baseURL == "" {
			return "", syncerrors.New(syncerrors.KindConfig, syncerrors.SeverityError,
				"slug source requires a repository base URL")
		}
		return fmt.Sprintf("%s/mods/%s/%s/download",
			f.baseURL, url.PathEscape(desc.Slug), url.PathEscape(desc.Version)), nil
	default:
		return "", syncerrors.ManifestEntry(fmt.Sprintf("unknown source type %q", desc.Type))
	}
}

// stream copies body to dst while hashing, so the digest belongs to exactly
// the bytes on disk.
func stream(body io.Reader, dst io.Writer) (digest string, size int64, err error) {
	counter := &countingWriter{w: dst}
	digest, err = hashing.ReaderDigest(io.TeeReader(body, counter))
	return digest, counter.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// resolveFileName extracts the artifact filename from the response,
// preferring Content-Disposition over the URL path.
func resolveFileName(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "artifact"
}
