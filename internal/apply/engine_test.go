package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verso-tools/verso/internal/changeset"
	"github.com/verso-tools/verso/internal/events"
	"github.com/verso-tools/verso/internal/jsonio"
	"github.com/verso-tools/verso/internal/lock"
	"github.com/verso-tools/verso/internal/manifest"
	"github.com/verso-tools/verso/internal/model"
	"github.com/verso-tools/verso/internal/resolver"
	"github.com/verso-tools/verso/internal/workspace"
)

// fixture is a full apply environment: a two-package workspace with a
// compatible internal edge, a changeset store, and an engine.
type fixture struct {
	root   string
	idx    *workspace.Index
	store  *changeset.Store
	engine *Engine
	bus    *events.Bus
	backup model.BackupConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	writeManifest(t, root, "package.json",
		`{"name": "root", "version": "0.0.0", "private": true, "workspaces": ["packages/*"]}`)
	writeManifest(t, root, "packages/core/package.json", `{
  "name": "core",
  "version": "1.0.0"
}
`)
	writeManifest(t, root, "packages/billing/package.json", `{
  "name": "billing",
  "version": "2.3.0",
  "dependencies": {
    "core": "^1.0.0"
  }
}
`)

	idx, err := workspace.Discover(context.Background(), root, 0)
	require.NoError(t, err)

	store, err := changeset.NewStore(
		filepath.Join(root, ".changesets"),
		filepath.Join(root, ".changesets", "history"))
	require.NoError(t, err)

	backup := model.BackupConfig{Enabled: true, Path: filepath.Join(root, ".changesets", ".backups")}
	bus := events.NewBus(16)
	f := &fixture{
		root:   root,
		idx:    idx,
		store:  store,
		bus:    bus,
		backup: backup,
		engine: NewEngine(store, bus, backup, log.New(io.Discard, "", 0), LogLevelError),
	}
	return f
}

func writeManifest(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) addChangeset(t *testing.T, branch string, bump model.Bump, packages ...string) {
	t.Helper()
	require.NoError(t, f.store.Create(&model.Changeset{
		Branch:       branch,
		Packages:     packages,
		Environments: []string{"production"},
		Bump:         bump,
		Status:       model.PendingStatus(),
	}))
}

func (f *fixture) resolve(t *testing.T) *model.ResolutionPlan {
	t.Helper()
	pending, err := f.store.ListPending()
	require.NoError(t, err)
	plan, err := resolver.Resolve(f.idx, pending, "production", resolver.Options{})
	require.NoError(t, err)
	return plan
}

func (f *fixture) reindex(t *testing.T) {
	t.Helper()
	idx, err := workspace.Discover(context.Background(), f.root, 0)
	require.NoError(t, err)
	f.idx = idx
}

func (f *fixture) manifestVersion(t *testing.T, name string) string {
	t.Helper()
	pkg, ok := f.idx.Package(name)
	require.True(t, ok)
	doc, err := manifest.LoadDir(pkg.Dir)
	require.NoError(t, err)
	return doc.Version
}

func TestApply_FullProtocol(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	completed := f.bus.Subscribe(events.EventApplyCompleted)
	archived := f.bus.Subscribe(events.EventChangesetArchived)

	res, err := f.engine.Apply(context.Background(), f.idx, plan, Options{AppliedBy: "tester", GitCommit: "abc123"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OperationID)
	assert.ElementsMatch(t, []string{"core", "billing"}, res.Written)
	assert.Equal(t, []string{"fix/core"}, res.Archived)
	assert.Empty(t, res.BackupDir, "backup removed on success")

	// Versions and specs landed
	assert.Equal(t, "1.0.1", f.manifestVersion(t, "core"))
	assert.Equal(t, "2.3.1", f.manifestVersion(t, "billing"))
	pkg, _ := f.idx.Package("billing")
	doc, err := manifest.LoadDir(pkg.Dir)
	require.NoError(t, err)
	spec, _ := doc.DepSpec(model.SectionDependencies, "core")
	assert.Equal(t, "^1.0.1", spec)

	// Changeset consumed into history with release info
	_, err = f.store.Load("fix/core")
	assert.True(t, errors.Is(err, changeset.ErrNotFound))
	arch, err := f.store.LoadArchived("fix/core")
	require.NoError(t, err)
	assert.Equal(t, "tester", arch.ReleaseInfo.AppliedBy)
	assert.Equal(t, "1.0.1", arch.ReleaseInfo.ResolvedVersions["core"])

	// Events observed
	select {
	case ev := <-completed:
		assert.Equal(t, events.EventApplyCompleted, ev.Type)
	default:
		t.Error("expected an apply_completed event")
	}
	select {
	case ev := <-archived:
		assert.Equal(t, "fix/core", ev.Data["branch"])
	default:
		t.Error("expected a changeset_archived event")
	}
}

func TestApply_DryRun(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	before, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)

	res, err := f.engine.Apply(context.Background(), f.idx, plan, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, "core", res.Changes[0].Package)
	assert.Equal(t, "1.0.0", res.Changes[0].FromVersion)
	assert.Equal(t, "1.0.1", res.Changes[0].ToVersion)

	after, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "dry run must not touch disk")
	_, err = f.store.Load("fix/core")
	assert.NoError(t, err, "dry run must not archive")
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	_, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.NoError(t, err)

	// Same plan against a fresh index: every target is already at its
	// planned state
	f.reindex(t)
	res, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Written, "no file rewritten on re-apply")
	assert.Empty(t, res.Archived, "already-archived branches are tolerated")
	assert.Equal(t, "1.0.1", f.manifestVersion(t, "core"))
}

func TestApply_StalePlan(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	// Someone else moved core after planning
	pkg, _ := f.idx.Package("core")
	doc, err := manifest.LoadDir(pkg.Dir)
	require.NoError(t, err)
	require.NoError(t, manifest.Save(filepath.Join(pkg.Dir, manifest.Filename), doc.RewriteVersion("1.2.0")))

	_, err = f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.True(t, errors.Is(err, ErrPlanStale))
	var se *StaleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "core", se.Package)
	assert.Equal(t, "1.2.0", se.OnDisk)

	// A stale audit leaves everything untouched
	assert.Equal(t, "2.3.0", f.manifestVersion(t, "billing"))
	_, err = f.store.Load("fix/core")
	assert.NoError(t, err)
}

func TestApply_BlockingConflicts(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)
	plan.Conflicts = append(plan.Conflicts, model.Conflict{
		Kind:     model.ConflictDependencyMismatch,
		Severity: model.SeverityError,
	})
	plan.Summarize()

	_, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.True(t, errors.Is(err, ErrBlockingConflicts))
	assert.Equal(t, "1.0.0", f.manifestVersion(t, "core"))

	_, err = f.engine.Apply(context.Background(), f.idx, plan, Options{Force: true})
	require.NoError(t, err, "force overrides blocking conflicts")
	assert.Equal(t, "1.0.1", f.manifestVersion(t, "core"))
}

func TestApply_CancelledBeforeWritesRollsBack(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	hashBefore, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.Apply(ctx, f.idx, plan, Options{})
	require.True(t, errors.Is(err, context.Canceled))

	hashAfter, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)
	assert.Equal(t, hashBefore, hashAfter)
	assert.NotEmpty(t, res.BackupDir, "backup retained after rollback")
	_, err = f.store.Load("fix/core")
	assert.NoError(t, err, "pending changeset survives a failed apply")
}

// writeLimitedContext reports cancellation after a fixed number of
// checks, failing an apply between two manifest writes.
type writeLimitedContext struct {
	context.Context
	allowed int
	checks  int
}

func (c *writeLimitedContext) Err() error {
	c.checks++
	if c.checks > c.allowed {
		return context.Canceled
	}
	return nil
}

func TestApply_FailureBetweenWritesRestoresWrittenFiles(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	hashCore, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)
	hashBilling, err := jsonio.HashFile(manifestPath(f, "billing"))
	require.NoError(t, err)

	// The first write lands, then the phase fails before the second.
	ctx := &writeLimitedContext{Context: context.Background(), allowed: 1}
	res, err := f.engine.Apply(ctx, f.idx, plan, Options{})
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"core"}, res.Written)

	afterCore, err := jsonio.HashFile(manifestPath(f, "core"))
	require.NoError(t, err)
	afterBilling, err := jsonio.HashFile(manifestPath(f, "billing"))
	require.NoError(t, err)
	assert.Equal(t, hashCore, afterCore, "written manifest restored")
	assert.Equal(t, hashBilling, afterBilling, "unwritten manifest untouched")

	assert.NotEmpty(t, res.BackupDir, "backup retained after rollback")
	_, err = f.store.Load("fix/core")
	assert.NoError(t, err, "pending changeset survives a failed apply")
}

func TestApply_PartialSuccessOnArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	// Hold the store's directory lock so archival cannot proceed
	dirLock := lock.NewFileLock(filepath.Join(f.store.Dir(), ".lock"))
	require.NoError(t, dirLock.TryLock())

	_, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	var pse *PartialSuccessError
	require.ErrorAs(t, err, &pse)
	assert.Equal(t, []string{"fix/core"}, pse.Unarchived)
	assert.Contains(t, pse.Error(), "re-run archive-only")

	// Manifests are NOT rolled back
	assert.Equal(t, "1.0.1", f.manifestVersion(t, "core"))
	_, err = f.store.Load("fix/core")
	assert.NoError(t, err, "unarchived changeset still pending")

	// Recovery: release the lock and re-run archival alone
	require.NoError(t, dirLock.Unlock())
	res, err := f.engine.ArchiveOnly(plan, Options{AppliedBy: "tester"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fix/core"}, res.Archived)
	_, err = f.store.LoadArchived("fix/core")
	assert.NoError(t, err)
}

func TestApply_BackupDisabled(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.store, nil, model.BackupConfig{Enabled: false}, log.New(io.Discard, "", 0), LogLevelError)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	res, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.BackupDir)
}

func TestApply_KeepBackupOnSuccess(t *testing.T) {
	f := newFixture(t)
	cfg := f.backup
	cfg.KeepOnSuccess = true
	f.engine = NewEngine(f.store, nil, cfg, log.New(io.Discard, "", 0), LogLevelError)
	f.addChangeset(t, "fix/core", model.BumpPatch, "core")
	plan := f.resolve(t)

	res, err := f.engine.Apply(context.Background(), f.idx, plan, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupDir)
	bm, err := readBackupManifest(res.BackupDir)
	require.NoError(t, err)
	assert.Equal(t, res.OperationID, bm.OperationID)
	assert.Len(t, bm.Entries, 2)
}

func TestBackup_RestoreRevertsMutations(t *testing.T) {
	f := newFixture(t)
	corePath := manifestPath(f, "core")
	billingPath := manifestPath(f, "billing")

	hashCore, err := jsonio.HashFile(corePath)
	require.NoError(t, err)
	hashBilling, err := jsonio.HashFile(billingPath)
	require.NoError(t, err)

	bm, dir, err := writeBackup(f.backup.Path, newOperationID(time.Now()), map[string]string{
		"core":    corePath,
		"billing": billingPath,
	})
	require.NoError(t, err)

	// Mutate both manifests, then restore
	require.NoError(t, os.WriteFile(corePath, []byte(`{"name": "core", "version": "9.9.9"}`), 0o644))
	require.NoError(t, os.WriteFile(billingPath, []byte(`{"name": "billing", "version": "9.9.9"}`), 0o644))
	require.NoError(t, restoreBackup(dir, bm))

	afterCore, err := jsonio.HashFile(corePath)
	require.NoError(t, err)
	afterBilling, err := jsonio.HashFile(billingPath)
	require.NoError(t, err)
	assert.Equal(t, hashCore, afterCore, "restored content must be byte-identical")
	assert.Equal(t, hashBilling, afterBilling)

	// The manifest records pre-mutation hashes
	for _, e := range bm.Entries {
		current, err := jsonio.HashFile(e.Path)
		require.NoError(t, err)
		assert.Equal(t, e.SHA256, current)
	}
}

func TestBackup_RestoreContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	corePath := manifestPath(f, "core")
	billingPath := manifestPath(f, "billing")

	hashCore, err := jsonio.HashFile(corePath)
	require.NoError(t, err)

	bm, dir, err := writeBackup(f.backup.Path, newOperationID(time.Now()), map[string]string{
		"core":    corePath,
		"billing": billingPath,
	})
	require.NoError(t, err)

	// core drifts while billing's path becomes unrestorable
	require.NoError(t, os.WriteFile(corePath, []byte(`{"name": "core", "version": "9.9.9"}`), 0o644))
	require.NoError(t, os.Remove(billingPath))
	require.NoError(t, os.Mkdir(billingPath, 0o755))

	err = restoreBackup(dir, bm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing")

	afterCore, err := jsonio.HashFile(corePath)
	require.NoError(t, err)
	assert.Equal(t, hashCore, afterCore, "restorable file is still put back")
}

func TestPurgeBackups(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	mkBackup := func(age time.Duration) string {
		opID := newOperationID(now.Add(-age))
		_, dir, err := writeBackup(f.backup.Path, opID, map[string]string{"core": manifestPath(f, "core")})
		require.NoError(t, err)
		bm, err := readBackupManifest(dir)
		require.NoError(t, err)
		bm.CreatedAt = now.Add(-age)
		require.NoError(t, jsonio.AtomicWrite(filepath.Join(dir, backupManifestName), bm))
		return opID
	}
	oldOp := mkBackup(10 * 24 * time.Hour)
	newOp := mkBackup(time.Hour)

	removed, err := PurgeBackups(f.backup.Path, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{oldOp}, removed)
	_, err = os.Stat(filepath.Join(f.backup.Path, newOp))
	assert.NoError(t, err, "recent backup survives")

	// Missing root is tolerated
	removed, err = PurgeBackups(filepath.Join(f.root, "nope"), time.Hour, now)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestNewOperationID(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 30, 0, 0, time.UTC)
	a := newOperationID(now)
	b := newOperationID(now)
	assert.True(t, strings.HasPrefix(a, "20260701T103000Z-"))
	assert.NotEqual(t, a, b, "random suffix prevents collisions")
}

func manifestPath(f *fixture, name string) string {
	pkg, ok := f.idx.Package(name)
	if !ok {
		panic(fmt.Sprintf("unknown package %s", name))
	}
	return filepath.Join(pkg.Dir, manifest.Filename)
}
