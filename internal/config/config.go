// Package config loads the verso configuration file and applies the
// documented defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/verso-tools/verso/internal/model"
)

// Filename is the configuration file consulted at the workspace root.
const Filename = "verso.yaml"

// fileConfig shadows model.Config so absent keys are distinguishable
// from explicit zero values (backup.enabled defaults to true).
type fileConfig struct {
	Versioning struct {
		Strategy     model.Strategy      `yaml:"strategy"`
		Propagation  model.Propagation   `yaml:"propagation"`
		ZeroVerMajor model.ZeroVerPolicy `yaml:"zeroVerMajor"`
	} `yaml:"versioning"`
	Changeset struct {
		Path        string `yaml:"path"`
		HistoryPath string `yaml:"historyPath"`
	} `yaml:"changeset"`
	Backup struct {
		Enabled       *bool  `yaml:"enabled"`
		Path          string `yaml:"path"`
		KeepOnSuccess bool   `yaml:"keepOnSuccess"`
		RetentionDays int    `yaml:"retentionDays"`
	} `yaml:"backup"`
	Interner struct {
		WorkspaceSpecStyle model.WorkspaceSpecStyle `yaml:"workspaceSpecStyle"`
	} `yaml:"interner"`
	Concurrency int `yaml:"concurrency"`
}

// Default returns the configuration with every documented default,
// with paths anchored at root.
func Default(root string) *model.Config {
	return &model.Config{
		Versioning: model.VersioningConfig{
			Strategy:     model.StrategyIndependent,
			Propagation:  model.PropagationPatch,
			ZeroVerMajor: model.ZeroVerBump,
		},
		Changeset: model.ChangesetConfig{
			Path:        filepath.Join(root, ".changesets"),
			HistoryPath: filepath.Join(root, ".changesets", "history"),
		},
		Backup: model.BackupConfig{
			Enabled:       true,
			Path:          filepath.Join(root, ".changesets", ".backups"),
			KeepOnSuccess: false,
			RetentionDays: 7,
		},
		Interner: model.InternerConfig{
			WorkspaceSpecStyle: model.SpecStyleCaret,
		},
		Concurrency: 10,
	}
}

// Load reads root/verso.yaml when present, layering it over the
// defaults. A missing file yields the defaults.
func Load(root string) (*model.Config, error) {
	cfg := Default(root)

	data, err := os.ReadFile(filepath.Join(root, Filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", Filename, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Filename, err)
	}

	if fc.Versioning.Strategy != "" {
		cfg.Versioning.Strategy = fc.Versioning.Strategy
	}
	if fc.Versioning.Propagation != "" {
		cfg.Versioning.Propagation = fc.Versioning.Propagation
	}
	if fc.Versioning.ZeroVerMajor != "" {
		cfg.Versioning.ZeroVerMajor = fc.Versioning.ZeroVerMajor
	}
	if fc.Changeset.Path != "" {
		cfg.Changeset.Path = anchor(root, fc.Changeset.Path)
		cfg.Changeset.HistoryPath = filepath.Join(cfg.Changeset.Path, "history")
	}
	if fc.Changeset.HistoryPath != "" {
		cfg.Changeset.HistoryPath = anchor(root, fc.Changeset.HistoryPath)
	}
	if fc.Backup.Enabled != nil {
		cfg.Backup.Enabled = *fc.Backup.Enabled
	}
	if fc.Backup.Path != "" {
		cfg.Backup.Path = anchor(root, fc.Backup.Path)
	}
	cfg.Backup.KeepOnSuccess = fc.Backup.KeepOnSuccess
	if fc.Backup.RetentionDays > 0 {
		cfg.Backup.RetentionDays = fc.Backup.RetentionDays
	}
	if fc.Interner.WorkspaceSpecStyle != "" {
		cfg.Interner.WorkspaceSpecStyle = fc.Interner.WorkspaceSpecStyle
	}
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func anchor(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func validate(cfg *model.Config) error {
	switch cfg.Versioning.Strategy {
	case model.StrategyIndependent, model.StrategySynchronized, model.StrategyManual:
	default:
		return fmt.Errorf("unknown versioning.strategy %q", cfg.Versioning.Strategy)
	}
	switch cfg.Versioning.Propagation {
	case model.PropagationPatch, model.PropagationSynchronized, model.PropagationNone, model.PropagationBreakingFollowsParent:
	default:
		return fmt.Errorf("unknown versioning.propagation %q", cfg.Versioning.Propagation)
	}
	switch cfg.Versioning.ZeroVerMajor {
	case model.ZeroVerBump, model.ZeroVerTreatAsMinor:
	default:
		return fmt.Errorf("unknown versioning.zeroVerMajor %q", cfg.Versioning.ZeroVerMajor)
	}
	switch cfg.Interner.WorkspaceSpecStyle {
	case model.SpecStyleCaret, model.SpecStyleStar:
	default:
		return fmt.Errorf("unknown interner.workspaceSpecStyle %q", cfg.Interner.WorkspaceSpecStyle)
	}
	return nil
}
