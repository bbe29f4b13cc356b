// Package source fetches the desired-state manifest for a run. The full
// transport protocols are not this system's concern; each Source just
// yields the immutable manifest snapshot the planner consumes.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/modsync/internal/config"
	"git.home.luguber.info/inful/modsync/internal/manifest"
)

// Source yields the current desired-state manifest.
type Source interface {
	Fetch(ctx context.Context) (*manifest.Manifest, error)
}

// FromConfig constructs the configured manifest source. cacheDir is used by
// the git source for its local checkout.
func FromConfig(cfg config.ManifestSourceConfig, cacheDir string, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case config.ManifestFromFile:
		return &FileSource{Path: cfg.Path, Logger: logger}, nil
	case config.ManifestFromHTTP:
		return &HTTPSource{URL: cfg.URL, Logger: logger}, nil
	case config.ManifestFromGit:
		return &GitSource{
			RepoURL:  cfg.Repo,
			Branch:   cfg.Branch,
			File:     cfg.File,
			CacheDir: filepath.Join(cacheDir, "manifest-repo"),
			Logger:   logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown manifest source kind %q", cfg.Kind)
	}
}

// FileSource reads the manifest from a local path.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

func (s *FileSource) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	return manifest.Load(s.Path, s.Logger)
}

// HTTPSource fetches the manifest from a URL.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

func (s *HTTPSource) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL %s: %w", s.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest from %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch returned status %d from %s", resp.StatusCode, s.URL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	return manifest.Parse(data, s.Logger)
}

// GitSource keeps a local checkout of a manifest repository, pulling before
// every read. Packs distributed as git repositories get versioned manifest
// history for free.
type GitSource struct {
	RepoURL  string
	Branch   string
	File     string
	CacheDir string
	Logger   *slog.Logger
}

func (s *GitSource) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return manifest.Load(filepath.Join(s.CacheDir, filepath.FromSlash(s.File)), s.Logger)
}

func (s *GitSource) sync(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.CacheDir, ".git")); os.IsNotExist(err) {
		cloneOptions := &git.CloneOptions{URL: s.RepoURL, SingleBranch: true}
		if s.Branch != "" {
			cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(s.Branch)
		}
		if _, err := git.PlainCloneContext(ctx, s.CacheDir, false, cloneOptions); err != nil {
			return fmt.Errorf("failed to clone manifest repository %s: %w", s.RepoURL, err)
		}
		s.Logger.Info("Cloned manifest repository", "repo", s.RepoURL, "branch", s.Branch)
		return nil
	}

	repository, err := git.PlainOpen(s.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to open manifest checkout: %w", err)
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	pullOptions := &git.PullOptions{SingleBranch: true}
	if s.Branch != "" {
		pullOptions.ReferenceName = plumbing.NewBranchReferenceName(s.Branch)
	}
	err = worktree.PullContext(ctx, pullOptions)
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to pull manifest repository: %w", err)
	}
	return nil
}
