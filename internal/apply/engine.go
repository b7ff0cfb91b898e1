// Package apply consumes a resolution plan and applies it to the
// workspace: audit against disk, backup, ordered atomic manifest
// writes, cross-package spec fixups, changeset archival, and rollback
// on any write-phase failure. Archival failing after a successful write
// phase is a partial success, surfaced with recovery instructions
// rather than rolled back.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/verso-tools/verso/internal/changeset"
	"github.com/verso-tools/verso/internal/events"
	"github.com/verso-tools/verso/internal/manifest"
	"github.com/verso-tools/verso/internal/model"
	"github.com/verso-tools/verso/internal/workspace"
)

// LogLevel controls engine verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Engine applies resolution plans. All collaborators are injected; the
// engine holds no global state and may serve concurrent workspaces when
// given distinct stores.
type Engine struct {
	changesets *changeset.Store
	bus        *events.Bus
	backup     model.BackupConfig
	logger     *log.Logger
	logLevel   LogLevel
}

// NewEngine creates an engine over a changeset store. bus may be nil.
func NewEngine(cs *changeset.Store, bus *events.Bus, backup model.BackupConfig, logger *log.Logger, level LogLevel) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &Engine{
		changesets: cs,
		bus:        bus,
		backup:     backup,
		logger:     logger,
		logLevel:   level,
	}
}

// Options tunes one apply invocation.
type Options struct {
	// DryRun reports what would change without touching disk or archive.
	DryRun bool
	// Force applies despite error-severity conflicts in the plan.
	Force bool
	// AppliedBy and GitCommit are recorded in the archive's release info.
	AppliedBy string
	GitCommit string
}

// FileChange describes one manifest a dry run would touch.
type FileChange struct {
	Package      string `json:"package"`
	Path         string `json:"path"`
	FromVersion  string `json:"fromVersion,omitempty"`
	ToVersion    string `json:"toVersion,omitempty"`
	SpecRewrites int    `json:"specRewrites"`
}

// Result reports an apply outcome.
type Result struct {
	OperationID string       `json:"operationId"`
	DryRun      bool         `json:"dryRun"`
	Written     []string     `json:"written"`
	Archived    []string     `json:"archived"`
	BackupDir   string       `json:"backupDir,omitempty"`
	Changes     []FileChange `json:"changes,omitempty"`
}

// target is the audited per-package write unit.
type target struct {
	name        string
	path        string
	doc         *manifest.Document
	update      *model.PackageUpdate
	specUpdates []model.DependencySpecUpdate
	alreadyDone bool
}

// Apply runs the full protocol against the plan.
func (e *Engine) Apply(ctx context.Context, idx *workspace.Index, plan *model.ResolutionPlan, opts Options) (*Result, error) {
	if plan.HasBlockingConflicts() && !opts.Force {
		return nil, fmt.Errorf("%d conflict(s): %w", len(plan.Conflicts), ErrBlockingConflicts)
	}

	// Step 1: plan audit against current disk state.
	targets, err := e.audit(idx, plan)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return e.dryRun(plan, targets), nil
	}

	now := time.Now().UTC()
	res := &Result{OperationID: newOperationID(now)}
	e.log(LogLevelInfo, "apply_start op=%s env=%s updates=%d spec_updates=%d",
		res.OperationID, plan.Environment, len(plan.Updates), len(plan.SpecUpdates))
	e.publish(events.EventApplyStarted, map[string]any{"operation_id": res.OperationID, "environment": plan.Environment})

	// Step 2: backup everything the plan touches.
	var bm *BackupManifest
	if e.backup.Enabled {
		paths := make(map[string]string, len(targets))
		for _, t := range targets {
			paths[t.name] = t.path
		}
		var dir string
		bm, dir, err = writeBackup(e.backup.Path, res.OperationID, paths)
		if err != nil {
			return nil, fmt.Errorf("backup phase: %w", err)
		}
		res.BackupDir = dir
	}

	// Steps 3-4: ordered write phase, then pure dependent fixups.
	if err := e.writePhase(ctx, targets, res); err != nil {
		return res, e.rollback(res, bm, err)
	}

	// Step 5: archive consumed changesets.
	info := model.ReleaseInfo{
		AppliedAt:        now,
		AppliedBy:        opts.AppliedBy,
		GitCommit:        opts.GitCommit,
		ResolvedVersions: plan.ResolvedVersions(),
	}
	archived, archiveErr := e.archiveBranches(plan.Branches, info)
	res.Archived = archived
	if archiveErr != nil {
		unarchived := remaining(plan.Branches, archived)
		e.log(LogLevelError, "apply_partial op=%s unarchived=%d err=%v", res.OperationID, len(unarchived), archiveErr)
		return res, &PartialSuccessError{Archived: archived, Unarchived: unarchived, Err: archiveErr}
	}

	// Step 6: commit. Drop the backup unless retention is on.
	if bm != nil && !e.backup.KeepOnSuccess {
		if err := os.RemoveAll(res.BackupDir); err != nil {
			e.log(LogLevelWarn, "backup_cleanup op=%s err=%v", res.OperationID, err)
		} else {
			res.BackupDir = ""
		}
	}

	e.log(LogLevelInfo, "apply_done op=%s written=%d archived=%d", res.OperationID, len(res.Written), len(res.Archived))
	e.publish(events.EventApplyCompleted, map[string]any{
		"operation_id": res.OperationID,
		"written":      len(res.Written),
		"archived":     len(res.Archived),
	})
	return res, nil
}

// audit re-reads every touched manifest and verifies the resolver's
// input view still holds. A package already at its planned state is
// tolerated (idempotent re-apply); anything else is stale.
func (e *Engine) audit(idx *workspace.Index, plan *model.ResolutionPlan) ([]*target, error) {
	byPkg := make(map[string]*target)
	order := make([]string, 0, len(plan.Updates))

	add := func(name string) (*target, error) {
		if t, ok := byPkg[name]; ok {
			return t, nil
		}
		pkg, ok := idx.Package(name)
		if !ok {
			return nil, fmt.Errorf("plan references unknown package %q", name)
		}
		path := filepath.Join(pkg.Dir, manifest.Filename)
		doc, err := manifest.Load(path)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", name, err)
		}
		t := &target{name: name, path: path, doc: doc}
		byPkg[name] = t
		order = append(order, name)
		return t, nil
	}

	for i := range plan.Updates {
		u := plan.Updates[i]
		t, err := add(u.Name)
		if err != nil {
			return nil, err
		}
		switch t.doc.Version {
		case u.From:
			t.update = &plan.Updates[i]
		case u.To:
			t.update = &plan.Updates[i]
			t.alreadyDone = true
		default:
			return nil, &StaleError{Package: u.Name, Expected: u.From, OnDisk: t.doc.Version}
		}
	}
	for _, su := range plan.SpecUpdates {
		t, err := add(su.InPackage)
		if err != nil {
			return nil, err
		}
		cur, ok := t.doc.DepSpec(su.Section, su.Dependency)
		if !ok {
			return nil, &StaleError{Package: su.InPackage, Expected: su.FromSpec, OnDisk: "(dependency missing)"}
		}
		switch cur {
		case su.FromSpec, su.ToSpec:
			t.specUpdates = append(t.specUpdates, su)
		default:
			return nil, &StaleError{Package: su.InPackage, Expected: su.FromSpec, OnDisk: cur}
		}
	}

	out := make([]*target, 0, len(order))
	for _, name := range order {
		out = append(out, byPkg[name])
	}
	// Bumped packages first in plan order; pure fixups after.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].update != nil && out[j].update == nil
	})
	return out, nil
}

// writePhase rewrites manifests in plan order. Cancellation between
// files stops cleanly; the in-flight write is atomic either way.
func (e *Engine) writePhase(ctx context.Context, targets []*target, res *Result) error {
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := t.doc
		changed := false
		if t.update != nil && doc.Version != t.update.To {
			doc = doc.RewriteVersion(t.update.To)
			changed = true
		}
		for _, su := range t.specUpdates {
			cur, _ := doc.DepSpec(su.Section, su.Dependency)
			if cur == su.ToSpec {
				continue
			}
			next, err := doc.RewriteDepSpec(su.Section, su.Dependency, su.ToSpec)
			if err != nil {
				return fmt.Errorf("rewrite %s in %s: %w", su.Dependency, t.name, err)
			}
			doc = next
			changed = true
		}
		if !changed {
			continue
		}
		if err := manifest.Save(t.path, doc); err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
		res.Written = append(res.Written, t.name)
		e.log(LogLevelDebug, "manifest_written pkg=%s path=%s", t.name, t.path)
	}
	return nil
}

func (e *Engine) rollback(res *Result, bm *BackupManifest, cause error) error {
	if bm == nil {
		e.log(LogLevelError, "apply_failed op=%s no_backup err=%v", res.OperationID, cause)
		return cause
	}
	if err := restoreBackup(res.BackupDir, bm); err != nil {
		return &RollbackError{Cause: cause, Rollback: err, BackupDir: res.BackupDir}
	}
	e.log(LogLevelWarn, "apply_rolled_back op=%s err=%v", res.OperationID, cause)
	e.publish(events.EventApplyRolledBack, map[string]any{"operation_id": res.OperationID, "error": cause.Error()})
	// Backup is retained after rollback for inspection.
	return cause
}

func (e *Engine) archiveBranches(branches []string, info model.ReleaseInfo) ([]string, error) {
	var archived []string
	for _, branch := range branches {
		_, err := e.changesets.Archive(branch, info)
		if err != nil {
			// Already consumed by an earlier (idempotent) run.
			if errors.Is(err, changeset.ErrNotFound) || errors.Is(err, changeset.ErrAlreadyExists) {
				continue
			}
			return archived, err
		}
		archived = append(archived, branch)
		e.publish(events.EventChangesetArchived, map[string]any{"branch": branch})
	}
	return archived, nil
}

// ArchiveOnly re-runs the archival step of a plan whose write phase
// already landed, the recovery path after a partial success.
func (e *Engine) ArchiveOnly(plan *model.ResolutionPlan, opts Options) (*Result, error) {
	info := model.ReleaseInfo{
		AppliedAt:        time.Now().UTC(),
		AppliedBy:        opts.AppliedBy,
		GitCommit:        opts.GitCommit,
		ResolvedVersions: plan.ResolvedVersions(),
	}
	archived, err := e.archiveBranches(plan.Branches, info)
	res := &Result{Archived: archived}
	if err != nil {
		return res, &PartialSuccessError{Archived: archived, Unarchived: remaining(plan.Branches, archived), Err: err}
	}
	return res, nil
}

func (e *Engine) dryRun(plan *model.ResolutionPlan, targets []*target) *Result {
	res := &Result{DryRun: true}
	for _, t := range targets {
		fc := FileChange{Package: t.name, Path: t.path, SpecRewrites: len(t.specUpdates)}
		if t.update != nil && !t.alreadyDone {
			fc.FromVersion = t.update.From
			fc.ToVersion = t.update.To
		}
		if fc.FromVersion == "" && fc.SpecRewrites == 0 {
			continue
		}
		res.Changes = append(res.Changes, fc)
	}
	return res
}

func remaining(all, done []string) []string {
	doneSet := make(map[string]bool, len(done))
	for _, b := range done {
		doneSet[b] = true
	}
	var out []string
	for _, b := range all {
		if !doneSet[b] {
			out = append(out, b)
		}
	}
	return out
}

func (e *Engine) publish(t events.EventType, data map[string]any) {
	if e.bus != nil {
		e.bus.Publish(t, data)
	}
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s apply: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
