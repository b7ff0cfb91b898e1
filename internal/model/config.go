package model

// Strategy selects the versioning policy.
type Strategy string

const (
	// StrategyIndependent bumps each package by its own request plus propagation.
	StrategyIndependent Strategy = "independent"
	// StrategySynchronized gives every package in the plan the same target version.
	StrategySynchronized Strategy = "synchronized"
	// StrategyManual takes explicit caller-supplied target versions.
	StrategyManual Strategy = "manual"
)

// Propagation selects how bumps flow to dependents.
type Propagation string

const (
	// PropagationPatch propagates a patch bump to compatible dependents (default).
	PropagationPatch Propagation = "patch"
	// PropagationSynchronized propagates the parent's own bump class.
	PropagationSynchronized Propagation = "synchronized"
	// PropagationNone disables propagation entirely.
	PropagationNone Propagation = "none"
	// PropagationBreakingFollowsParent propagates only when the edge spec
	// would be violated, inheriting the parent's bump class.
	PropagationBreakingFollowsParent Propagation = "breaking-follows-parent"
)

// WorkspaceSpecStyle selects the unified form for workspace dependencies.
type WorkspaceSpecStyle string

const (
	SpecStyleCaret WorkspaceSpecStyle = "caret"
	SpecStyleStar  WorkspaceSpecStyle = "star"
)

// Config holds every recognized verso option, loaded from verso.yaml.
type Config struct {
	Versioning  VersioningConfig `yaml:"versioning"`
	Changeset   ChangesetConfig  `yaml:"changeset"`
	Backup      BackupConfig     `yaml:"backup"`
	Interner    InternerConfig   `yaml:"interner"`
	Concurrency int              `yaml:"concurrency"`
}

type VersioningConfig struct {
	Strategy     Strategy      `yaml:"strategy"`
	Propagation  Propagation   `yaml:"propagation"`
	ZeroVerMajor ZeroVerPolicy `yaml:"zeroVerMajor"`
}

type ChangesetConfig struct {
	Path        string `yaml:"path"`
	HistoryPath string `yaml:"historyPath"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	KeepOnSuccess bool   `yaml:"keepOnSuccess"`
	RetentionDays int    `yaml:"retentionDays"`
}

type InternerConfig struct {
	WorkspaceSpecStyle WorkspaceSpecStyle `yaml:"workspaceSpecStyle"`
}
