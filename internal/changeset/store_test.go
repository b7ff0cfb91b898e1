package changeset

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verso-tools/verso/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "pending"), filepath.Join(dir, "history"))
	require.NoError(t, err)
	return s
}

func newChangeset(branch string, packages ...string) *model.Changeset {
	return &model.Changeset{
		Branch:       branch,
		Packages:     packages,
		Environments: []string{"production"},
		Bump:         model.BumpMinor,
		Status:       model.PendingStatus(),
	}
}

func TestStore_CreateLoad(t *testing.T) {
	s := newTestStore(t)

	c := newChangeset("feature/login", "auth")
	require.NoError(t, s.Create(c))
	assert.False(t, c.CreatedAt.IsZero())

	back, err := s.Load("feature/login")
	require.NoError(t, err)
	assert.Equal(t, "feature/login", back.Branch)
	assert.Equal(t, []string{"auth"}, back.Packages)
	assert.Equal(t, model.PhasePending, back.Status.Phase)

	_, err = s.Load("ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_CreateRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newChangeset("main", "auth")))
	err := s.Create(newChangeset("main", "billing"))
	require.True(t, errors.Is(err, ErrAlreadyExists))

	// Winner's content intact
	back, err := s.Load("main")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, back.Packages)
}

func TestStore_CreateRace(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Create(newChangeset("contended", "auth"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.True(t, errors.Is(err, ErrAlreadyExists), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one creator must win")
}

func TestStore_CreateValidates(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(&model.Changeset{Branch: "x"})
	require.Error(t, err)
}

func TestStore_BranchNameSanitized(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newChangeset("feature/auth:v2", "auth")))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feature-auth-v2.json", entries[0].Name())

	// Loadable under the original branch name
	back, err := s.Load("feature/auth:v2")
	require.NoError(t, err)
	assert.Equal(t, "feature/auth:v2", back.Branch)
}

func TestStore_UpdatePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	c := newChangeset("main", "auth")
	require.NoError(t, s.Create(c))
	created := c.CreatedAt

	c.Packages = []string{"auth", "billing"}
	c.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC) // ignored
	require.NoError(t, s.Update(c))

	back, err := s.Load("main")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "billing"}, back.Packages)
	assert.True(t, back.CreatedAt.Equal(created), "createdAt must survive updates")
	assert.False(t, back.UpdatedAt.Before(created))

	err = s.Update(newChangeset("ghost", "auth"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newChangeset("main", "auth")))
	require.NoError(t, s.Delete("main"))
	assert.True(t, errors.Is(s.Delete("main"), ErrNotFound))
	assert.NoError(t, s.DeleteIfExists("main"))
}

func TestStore_ListPendingOrder(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mk := func(branch string, at time.Time) {
		c := newChangeset(branch, "auth")
		c.CreatedAt = at
		require.NoError(t, s.Create(c))
	}
	mk("third", base.Add(2*time.Hour))
	mk("first", base)
	mk("b-tied", base.Add(time.Hour))
	mk("a-tied", base.Add(time.Hour))

	list, err := s.ListPending()
	require.NoError(t, err)
	var branches []string
	for _, c := range list {
		branches = append(branches, c.Branch)
	}
	assert.Equal(t, []string{"first", "a-tied", "b-tied", "third"}, branches)
}

func TestStore_ListPendingSkipsJunk(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newChangeset("main", "auth")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "sub.json"), 0o755))

	list, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestStore_Archive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(newChangeset("main", "auth")))

	info := model.ReleaseInfo{
		AppliedAt:        time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
		AppliedBy:        "release-bot",
		GitCommit:        "abc123",
		ResolvedVersions: map[string]string{"auth": "1.3.0"},
	}
	archived, err := s.Archive("main", info)
	require.NoError(t, err)
	assert.Equal(t, "main", archived.Branch)
	assert.Equal(t, "release-bot", archived.ReleaseInfo.AppliedBy)

	// Pending record consumed, history record present
	_, err = s.Load("main")
	assert.True(t, errors.Is(err, ErrNotFound))
	back, err := s.LoadArchived("main")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", back.ReleaseInfo.ResolvedVersions["auth"])

	// History is append-only
	require.NoError(t, s.Create(newChangeset("main", "auth")))
	_, err = s.Archive("main", info)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
	// The failed archive must leave the pending record in place
	_, err = s.Load("main")
	assert.NoError(t, err)
}

func TestStore_ArchiveMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Archive("ghost", model.ReleaseInfo{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListArchived(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, branch := range []string{"late", "early"} {
		require.NoError(t, s.Create(newChangeset(branch, "auth")))
		at := base.Add(time.Duration(1-i) * time.Hour)
		_, err := s.Archive(branch, model.ReleaseInfo{AppliedAt: at})
		require.NoError(t, err)
	}

	list, err := s.ListArchived()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].Branch)
	assert.Equal(t, "late", list[1].Branch)
}
