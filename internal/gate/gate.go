// Package gate executes version-gated deletions: destructive actions that
// apply only while crossing a specific version interval, each at most once
// ever. A rule fires iff currentVersion < triggerVersion <= targetVersion
// and its path has not already been processed.
package gate

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/modsync/internal/backup"
	"git.home.luguber.info/inful/modsync/internal/manifest"
	"git.home.luguber.info/inful/modsync/internal/metadata"
	"git.home.luguber.info/inful/modsync/internal/pending"
)

// Outcome is the terminal state of one rule evaluation.
type Outcome string

const (
	OutcomeExecuted   Outcome = "executed"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeOutOfRange Outcome = "skipped_out_of_range"
	OutcomeUnsafe     Outcome = "skipped_unsafe"
	OutcomeCompleted  Outcome = "skipped_already_completed"
	OutcomeMalformed  Outcome = "skipped_malformed"
)

// RuleResult pairs a rule with what happened to it.
type RuleResult struct {
	Rule    manifest.DeletionRule
	Outcome Outcome
}

// Summary aggregates one Apply pass.
type Summary struct {
	Executed int
	Deferred int
	Skipped  int
	Results  []RuleResult
}

// Processor evaluates deletion rules against the version interval of one
// run. It is built per run from the run's own store and queue; there is no
// shared state across components.
type Processor struct {
	// Root is the directory rule paths are relative to.
	Root  string
	Store *metadata.Store
	Queue *pending.Queue
	// Backups preserves targets before deletion; nil disables backups.
	Backups *backup.Keeper
	// SafetyEnabled confines rule paths to AllowedSubtree (relative to
	// Root). Violations are skipped with a warning and left unmarked so
	// disabling safety mode later still allows them to run.
	SafetyEnabled  bool
	AllowedSubtree string
	Logger         *slog.Logger
}

// Apply evaluates rules in order for the transition currentVersion →
// targetVersion. Rule-scoped problems never abort the pass.
func (p *Processor) Apply(rules []manifest.DeletionRule, currentVersion, targetVersion string) Summary {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	target, err := ParseVersion(targetVersion)
	if err != nil {
		logger.Warn("Target version unparsable, skipping all gated deletions",
			"target", targetVersion, "error", err)
		for _, r := range rules {
			sum.record(r, OutcomeMalformed)
		}
		return sum
	}

	// First run: no recorded pack version means every rule up to the
	// target is crossing its interval.
	current := Version{}
	if currentVersion != "" {
		current, err = ParseVersion(currentVersion)
		if err != nil {
			logger.Warn("Recorded pack version unparsable, treating as 0.0.0",
				"current", currentVersion, "error", err)
			current = Version{}
		}
	}

	for _, rule := range rules {
		sum.record(rule, p.applyRule(rule, current, target, logger))
	}
	return sum
}

func (p *Processor) applyRule(rule manifest.DeletionRule, current, target Version, logger *slog.Logger) Outcome {
	trigger, err := ParseVersion(rule.TriggerVersion)
	if err != nil {
		logger.Warn("Skipping deletion rule with malformed trigger version",
			"path", rule.Path, "trigger", rule.TriggerVersion, "error", err)
		return OutcomeMalformed
	}

	// current < trigger <= target
	if !current.Less(trigger) || !trigger.LessOrEqual(target) {
		return OutcomeOutOfRange
	}

	if p.SafetyEnabled && !p.withinAllowedSubtree(rule.Path) {
		logger.Warn("Deletion rule outside allowed subtree, skipping",
			"path", rule.Path, "allowed", p.AllowedSubtree)
		return OutcomeUnsafe
	}

	if p.Store.IsDeletionCompleted(rule.Path) {
		return OutcomeCompleted
	}

	full := filepath.Join(p.Root, filepath.FromSlash(rule.Path))
	if _, err := os.Lstat(full); os.IsNotExist(err) {
		// Already gone satisfies the rule's intent.
		p.Store.MarkDeletionCompleted(rule.Path)
		logger.Debug("Gated deletion target already absent", "path", rule.Path)
		return OutcomeExecuted
	}

	if p.Backups != nil {
		if _, err := p.Backups.Preserve(full); err != nil {
			logger.Warn("Backup before gated deletion failed", "path", full, "error", err)
		}
	}

	deferred, err := p.Queue.ScheduleDelete(full, "gated deletion at "+trigger.String())
	if err != nil {
		logger.Warn("Failed to persist deferred gated deletion", "path", full, "error", err)
		return OutcomeDeferred
	}
	if deferred {
		// The persisted queue entry carries the intent to its own
		// resolution; this rule is never marked completed. It still
		// cannot refire: the run records the target pack version, so
		// the next evaluation finds current >= trigger and the rule
		// out of range. If a run happens before the replay succeeds,
		// ScheduleDelete dedups against the live entry.
		return OutcomeDeferred
	}

	p.Store.MarkDeletionCompleted(rule.Path)
	logger.Info("Executed gated deletion", "path", rule.Path, "trigger", trigger.String())
	return OutcomeExecuted
}

// withinAllowedSubtree reports whether a rule path stays inside the
// configured subtree, rejecting absolute paths and ".." escapes.
func (p *Processor) withinAllowedSubtree(rulePath string) bool {
	clean := filepath.Clean(filepath.FromSlash(rulePath))
	if filepath.IsAbs(clean) {
		return false
	}
	allowed := filepath.Clean(filepath.FromSlash(p.AllowedSubtree))
	rel, err := filepath.Rel(allowed, clean)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Summary) record(rule manifest.DeletionRule, outcome Outcome) {
	s.Results = append(s.Results, RuleResult{Rule: rule, Outcome: outcome})
	switch outcome {
	case OutcomeExecuted:
		s.Executed++
	case OutcomeDeferred:
		s.Deferred++
	default:
		s.Skipped++
	}
}
