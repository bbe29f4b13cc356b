// Package manifest defines the desired-state document consumed by the
// reconciliation engine: the set of managed mods and auxiliary files, plus
// the ordered version-gated deletion rules. The document is an immutable
// input snapshot for a run.
package manifest

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceType discriminates the sourceDescriptor union.
type SourceType string

const (
	// SourceProject identifies an artifact by remote repository project ID
	// plus version.
	SourceProject SourceType = "project"
	// SourceSlug identifies an artifact by remote repository slug plus
	// version.
	SourceSlug SourceType = "slug"
	// SourceURL identifies an artifact by direct download URL.
	SourceURL SourceType = "url"
)

// SourceDescriptor describes where a managed artifact comes from. Two
// descriptors that differ identify different versions, independent of the
// on-disk digest.
type SourceDescriptor struct {
	Type    SourceType `yaml:"type" json:"type"`
	Project string     `yaml:"project,omitempty" json:"project,omitempty"`
	Slug    string     `yaml:"slug,omitempty" json:"slug,omitempty"`
	Version string     `yaml:"version,omitempty" json:"version,omitempty"`
	URL     string     `yaml:"url,omitempty" json:"url,omitempty"`
}

// Equal reports whether two descriptors identify the same artifact version.
func (d SourceDescriptor) Equal(o SourceDescriptor) bool {
	return d.Type == o.Type &&
		d.Project == o.Project &&
		d.Slug == o.Slug &&
		d.Version == o.Version &&
		d.URL == o.URL
}

// String renders a short human-readable form for logs.
func (d SourceDescriptor) String() string {
	switch d.Type {
	case SourceProject:
		return fmt.Sprintf("project:%s@%s", d.Project, d.Version)
	case SourceSlug:
		return fmt.Sprintf("slug:%s@%s", d.Slug, d.Version)
	case SourceURL:
		return "url:" + d.URL
	default:
		return "unknown"
	}
}

func (d SourceDescriptor) validate() error {
	switch d.Type {
	case SourceProject:
		if d.Project == "" || d.Version == "" {
			return fmt.Errorf("project source requires project and version")
		}
	case SourceSlug:
		if d.Slug == "" || d.Version == "" {
			return fmt.Errorf("slug source requires slug and version")
		}
	case SourceURL:
		if d.URL == "" {
			return fmt.Errorf("url source requires url")
		}
	default:
		return fmt.Errorf("unknown source type %q", d.Type)
	}
	return nil
}

// ModEntry is one managed mod in the desired state.
type ModEntry struct {
	// ID is the stable logical identifier, unique across all mods.
	ID string `yaml:"id"`
	// Source identifies the exact artifact version.
	Source SourceDescriptor `yaml:"source"`
	// InstallDir is the directory the mod belongs in, relative to the game
	// root. Empty means the default mods directory.
	InstallDir string `yaml:"install_dir,omitempty"`
	// FileName is the preferred filename; renames toward it are cosmetic.
	FileName string `yaml:"file_name,omitempty"`
	// Digest is the expected content digest, when the manifest declares one.
	Digest string `yaml:"digest,omitempty"`
}

// FileEntry is one managed auxiliary file (config, resource pack). Keyed by
// declared filename rather than a separate logical ID.
type FileEntry struct {
	Name       string           `yaml:"name"`
	Source     SourceDescriptor `yaml:"source"`
	InstallDir string           `yaml:"install_dir,omitempty"`
	Digest     string           `yaml:"digest,omitempty"`
}

// TargetKind says what a deletion rule removes.
type TargetKind string

const (
	TargetFile      TargetKind = "file"
	TargetDirectory TargetKind = "directory"
)

// DeletionRule is a one-time destructive action gated on a version
// transition: it applies iff currentVersion < TriggerVersion <= targetVersion.
type DeletionRule struct {
	TriggerVersion string     `yaml:"trigger_version"`
	Kind           TargetKind `yaml:"kind"`
	Path           string     `yaml:"path"`
}

// Manifest is the full desired-state document for one run.
type Manifest struct {
	// Version is the pack version this manifest describes (the target of
	// any version-gated deletions).
	Version   string         `yaml:"version"`
	Mods      []ModEntry     `yaml:"mods"`
	Files     []FileEntry    `yaml:"files,omitempty"`
	Deletions []DeletionRule `yaml:"deletions,omitempty"`
}

// Parse decodes and normalizes a manifest document. Malformed entries are
// skipped with a warning so one bad entry never poisons the whole manifest;
// only an undecodable document is an error.
func Parse(data []byte, logger *slog.Logger) (*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest is missing a version")
	}

	mods := m.Mods[:0]
	seen := make(map[string]bool, len(m.Mods))
	for _, e := range m.Mods {
		if e.ID == "" {
			logger.Warn("Skipping mod entry without id", "source", e.Source.String())
			continue
		}
		if seen[e.ID] {
			logger.Warn("Skipping duplicate mod entry", "mod", e.ID)
			continue
		}
		if err := e.Source.validate(); err != nil {
			logger.Warn("Skipping mod entry with bad source", "mod", e.ID, "error", err)
			continue
		}
		seen[e.ID] = true
		mods = append(mods, e)
	}
	m.Mods = mods

	files := m.Files[:0]
	seenFiles := make(map[string]bool, len(m.Files))
	for _, e := range m.Files {
		if e.Name == "" {
			logger.Warn("Skipping file entry without name")
			continue
		}
		if seenFiles[e.Name] {
			logger.Warn("Skipping duplicate file entry", "file", e.Name)
			continue
		}
		if err := e.Source.validate(); err != nil {
			logger.Warn("Skipping file entry with bad source", "file", e.Name, "error", err)
			continue
		}
		seenFiles[e.Name] = true
		files = append(files, e)
	}
	m.Files = files

	rules := m.Deletions[:0]
	for _, r := range m.Deletions {
		if r.Path == "" || r.TriggerVersion == "" {
			logger.Warn("Skipping deletion rule with missing fields",
				"path", r.Path, "trigger", r.TriggerVersion)
			continue
		}
		if r.Kind == "" {
			r.Kind = TargetFile
		}
		if r.Kind != TargetFile && r.Kind != TargetDirectory {
			logger.Warn("Skipping deletion rule with unknown kind",
				"path", r.Path, "kind", string(r.Kind))
			continue
		}
		rules = append(rules, r)
	}
	m.Deletions = rules

	return &m, nil
}

// Load reads and parses a manifest from a file on disk.
func Load(path string, logger *slog.Logger) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return Parse(data, logger)
}

// PreferredName returns the filename the mod should carry on disk, falling
// back to a name derived from the descriptor when the manifest declares none.
func (e ModEntry) PreferredName() string {
	if e.FileName != "" {
		return e.FileName
	}
	switch e.Source.Type {
	case SourceProject:
		return e.Source.Project + "-" + e.Source.Version + ".jar"
	case SourceSlug:
		return e.Source.Slug + "-" + e.Source.Version + ".jar"
	default:
		return e.ID + ".jar"
	}
}
