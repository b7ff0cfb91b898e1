package apply

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPlanStale is returned when the on-disk workspace diverged from the
// resolver's input view; the caller should re-plan.
var ErrPlanStale = errors.New("plan is stale")

// ErrBlockingConflicts is returned when the plan carries error-severity
// conflicts and the caller did not force the apply.
var ErrBlockingConflicts = errors.New("plan has blocking conflicts")

// StaleError details which package diverged.
type StaleError struct {
	Package  string
	Expected string
	OnDisk   string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("package %s: plan expects version %s but disk has %s: %v",
		e.Package, e.Expected, e.OnDisk, ErrPlanStale)
}

func (e *StaleError) Unwrap() error {
	return ErrPlanStale
}

// PartialSuccessError reports an apply whose manifests landed but whose
// archival step failed. Manifests are NOT rolled back; the pending
// changesets for the listed branches remain and the recommended
// recovery is to re-run the archive step alone.
type PartialSuccessError struct {
	Archived   []string
	Unarchived []string
	Err        error
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf(
		"manifests applied but archival failed for branches [%s]: %v; re-run archive-only to finish",
		strings.Join(e.Unarchived, ", "), e.Err)
}

func (e *PartialSuccessError) Unwrap() error {
	return e.Err
}

// RollbackError reports a write-phase failure whose rollback also
// failed; the backup directory is retained for manual recovery.
type RollbackError struct {
	Cause     error
	Rollback  error
	BackupDir string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("apply failed (%v) and rollback failed (%v); backup retained at %s",
		e.Cause, e.Rollback, e.BackupDir)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}
