package apply

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verso-tools/verso/internal/jsonio"
)

// backupManifestName is the per-operation record listing every manifest
// about to be mutated and its pre-mutation content hash.
const backupManifestName = "backup.json"

// BackupEntry is one protected manifest.
type BackupEntry struct {
	Package string `json:"package"`
	Path    string `json:"path"`
	SHA256  string `json:"sha256"`
}

// BackupManifest enables rollback of one apply operation.
type BackupManifest struct {
	OperationID string        `json:"operationId"`
	CreatedAt   time.Time     `json:"createdAt"`
	Entries     []BackupEntry `json:"entries"`
}

// newOperationID names a backup directory: UTC timestamp plus a short
// random suffix, never reused.
func newOperationID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// writeBackup copies every target manifest into a fresh per-operation
// directory and records the backup manifest.
func writeBackup(backupRoot, opID string, targets map[string]string) (*BackupManifest, string, error) {
	dir := filepath.Join(backupRoot, opID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create backup dir: %w", err)
	}

	bm := &BackupManifest{OperationID: opID, CreatedAt: time.Now().UTC()}
	pkgs := make([]string, 0, len(targets))
	for pkg := range targets {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for i, pkg := range pkgs {
		path := targets[pkg]
		hash, err := jsonio.HashFile(path)
		if err != nil {
			return nil, dir, fmt.Errorf("hash %s: %w", path, err)
		}
		dst := filepath.Join(dir, fmt.Sprintf("%03d-%s.json", i, sanitizePkg(pkg)))
		if err := jsonio.CopyFile(path, dst); err != nil {
			return nil, dir, fmt.Errorf("backup %s: %w", path, err)
		}
		bm.Entries = append(bm.Entries, BackupEntry{Package: pkg, Path: path, SHA256: hash})
	}
	if err := jsonio.AtomicWrite(filepath.Join(dir, backupManifestName), bm); err != nil {
		return nil, dir, fmt.Errorf("write backup manifest: %w", err)
	}
	return bm, dir, nil
}

func sanitizePkg(name string) string {
	return strings.NewReplacer("/", "-", "@", "").Replace(name)
}

// restoreBackup writes backed-up manifests back over their original
// paths with the atomic primitive. Entries whose on-disk content still
// matches the recorded hash were never touched and are skipped, and a
// failed restore does not stop the remaining entries: every file that
// can be put back is put back, with the failures aggregated.
func restoreBackup(dir string, bm *BackupManifest) error {
	var errs []error
	for i, e := range bm.Entries {
		if hash, err := jsonio.HashFile(e.Path); err == nil && hash == e.SHA256 {
			continue
		}
		src := filepath.Join(dir, fmt.Sprintf("%03d-%s.json", i, sanitizePkg(e.Package)))
		content, err := os.ReadFile(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("read backup of %s: %w", e.Package, err))
			continue
		}
		if err := jsonio.AtomicWriteRaw(e.Path, content); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", e.Package, err))
		}
	}
	return errors.Join(errs...)
}

// readBackupManifest loads the backup record from a backup directory.
func readBackupManifest(dir string) (*BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, backupManifestName))
	if err != nil {
		return nil, err
	}
	var bm BackupManifest
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	return &bm, nil
}

// PurgeBackups removes retained backup directories older than maxAge.
// Returns the removed directory names.
func PurgeBackups(backupRoot string, maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(backupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup dir: %w", err)
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bm, err := readBackupManifest(filepath.Join(backupRoot, e.Name()))
		if err != nil {
			continue
		}
		if now.Sub(bm.CreatedAt) > maxAge {
			if err := os.RemoveAll(filepath.Join(backupRoot, e.Name())); err != nil {
				return removed, fmt.Errorf("purge %s: %w", e.Name(), err)
			}
			removed = append(removed, e.Name())
		}
	}
	return removed, nil
}
