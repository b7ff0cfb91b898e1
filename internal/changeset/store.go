// Package changeset persists pending release intents, one JSON file per
// branch, and archives consumed changesets into an append-only history.
// The changeset directory is the only resource shared across processes;
// all mutations go through exclusive-create or the directory flock, and
// readers tolerate files vanishing mid-scan.
package changeset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/verso-tools/verso/internal/jsonio"
	"github.com/verso-tools/verso/internal/lock"
	"github.com/verso-tools/verso/internal/model"
)

var (
	// ErrNotFound is returned when no changeset file exists for a branch.
	ErrNotFound = errors.New("changeset not found")
	// ErrAlreadyExists is returned by Create when the branch already has a file.
	ErrAlreadyExists = errors.New("changeset already exists")
)

// ParseError reports a malformed changeset file.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// Store is the changeset store over a pending directory and a history
// directory. Safe for concurrent use within a process; cross-process
// mutation safety comes from exclusive creates plus the directory flock.
type Store struct {
	dir        string
	historyDir string
	mu         *lock.KeyedMutex
}

// NewStore opens (creating if needed) a store at dir with history at
// historyDir.
func NewStore(dir, historyDir string) (*Store, error) {
	for _, d := range []string{dir, historyDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create changeset dir: %w", err)
		}
	}
	return &Store{dir: dir, historyDir: historyDir, mu: lock.NewKeyedMutex()}, nil
}

// Dir returns the pending directory.
func (s *Store) Dir() string {
	return s.dir
}

// HistoryDir returns the history directory.
func (s *Store) HistoryDir() string {
	return s.historyDir
}

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-",
	"?", "-", "\"", "-", "<", "-", ">", "-", "|", "-",
)

// SanitizeBranch converts a branch name into its filename stem.
func SanitizeBranch(branch string) string {
	return unsafeChars.Replace(branch)
}

func (s *Store) path(branch string) string {
	return filepath.Join(s.dir, SanitizeBranch(branch)+".json")
}

func (s *Store) historyPath(branch string) string {
	return filepath.Join(s.historyDir, SanitizeBranch(branch)+".json")
}

// Create persists a new changeset. Exactly one of two racing creators
// for the same branch succeeds; the loser gets ErrAlreadyExists. The
// store never checks-then-creates.
func (s *Store) Create(c *model.Changeset) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status.Phase == "" {
		c.Status = model.PendingStatus()
	}

	err := jsonio.WriteExclusive(s.path(c.Branch), c)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("branch %s: %w", c.Branch, ErrAlreadyExists)
	}
	return err
}

// Load reads the changeset for a branch.
func (s *Store) Load(branch string) (*model.Changeset, error) {
	return s.loadPath(s.path(branch), branch)
}

func (s *Store) loadPath(path, branch string) (*model.Changeset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("branch %s: %w", branch, ErrNotFound)
		}
		return nil, fmt.Errorf("read changeset: %w", err)
	}
	var c model.Changeset
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	if err := c.Validate(); err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	return &c, nil
}

// Update rewrites an existing changeset atomically, preserving
// createdAt and refreshing updatedAt.
func (s *Store) Update(c *model.Changeset) error {
	s.mu.Lock(c.Branch)
	defer s.mu.Unlock(c.Branch)

	existing, err := s.Load(c.Branch)
	if err != nil {
		return err
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if err := c.Validate(); err != nil {
		return err
	}
	return jsonio.AtomicWrite(s.path(c.Branch), c)
}

// Delete removes a pending changeset; ErrNotFound when absent.
func (s *Store) Delete(branch string) error {
	err := os.Remove(s.path(branch))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("branch %s: %w", branch, ErrNotFound)
	}
	return err
}

// DeleteIfExists removes a pending changeset, tolerating absence.
func (s *Store) DeleteIfExists(branch string) error {
	err := s.Delete(branch)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListPending returns every pending changeset ordered by createdAt
// ascending, ties broken by branch name. Files disappearing between the
// directory scan and the read were archived concurrently and are skipped.
func (s *Store) ListPending() ([]*model.Changeset, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan changeset dir: %w", err)
	}
	var out []*model.Changeset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := s.loadPath(filepath.Join(s.dir, e.Name()), strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Branch < out[j].Branch
	})
	return out, nil
}

// Archive moves a pending changeset into history, enriched with release
// info. The history write lands before the pending file is removed, so
// a failure at any point leaves the pending record in place. History is
// append-only: a branch already archived surfaces ErrAlreadyExists.
func (s *Store) Archive(branch string, info model.ReleaseInfo) (*model.ArchivedChangeset, error) {
	s.mu.Lock(branch)
	defer s.mu.Unlock(branch)

	dirLock := lock.NewFileLock(filepath.Join(s.dir, ".lock"))
	if err := dirLock.TryLock(); err != nil {
		return nil, fmt.Errorf("archive %s: %w", branch, err)
	}
	defer func() { _ = dirLock.Unlock() }()

	c, err := s.Load(branch)
	if err != nil {
		return nil, err
	}

	archived := &model.ArchivedChangeset{Changeset: *c, ReleaseInfo: info}
	if err := jsonio.WriteExclusive(s.historyPath(branch), archived); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("history for branch %s: %w", branch, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("write history: %w", err)
	}
	if err := os.Remove(s.path(branch)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove pending changeset: %w", err)
	}
	return archived, nil
}

// LoadArchived reads an archived changeset from history.
func (s *Store) LoadArchived(branch string) (*model.ArchivedChangeset, error) {
	data, err := os.ReadFile(s.historyPath(branch))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("branch %s: %w", branch, ErrNotFound)
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var a model.ArchivedChangeset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &ParseError{Path: s.historyPath(branch), Reason: err.Error()}
	}
	return &a, nil
}

// ListArchived returns history entries ordered by appliedAt ascending.
func (s *Store) ListArchived() ([]*model.ArchivedChangeset, error) {
	entries, err := os.ReadDir(s.historyDir)
	if err != nil {
		return nil, fmt.Errorf("scan history dir: %w", err)
	}
	var out []*model.ArchivedChangeset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.LoadArchived(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReleaseInfo.AppliedAt.Equal(out[j].ReleaseInfo.AppliedAt) {
			return out[i].ReleaseInfo.AppliedAt.Before(out[j].ReleaseInfo.AppliedAt)
		}
		return out[i].Branch < out[j].Branch
	})
	return out, nil
}
