package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/verso-tools/verso/internal/apply"
	"github.com/verso-tools/verso/internal/changeset"
	"github.com/verso-tools/verso/internal/config"
	"github.com/verso-tools/verso/internal/events"
	"github.com/verso-tools/verso/internal/interner"
	"github.com/verso-tools/verso/internal/manifest"
	"github.com/verso-tools/verso/internal/model"
	"github.com/verso-tools/verso/internal/resolver"
	"github.com/verso-tools/verso/internal/workspace"
)

// env bundles the wiring every command needs.
type env struct {
	root  string
	cfg   *model.Config
	store *changeset.Store
	json  bool
	level apply.LogLevel
}

func setup(cmd *cobra.Command) (*env, error) {
	root, _ := cmd.Flags().GetString("workspace")
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	store, err := changeset.NewStore(cfg.Changeset.Path, cfg.Changeset.HistoryPath)
	if err != nil {
		return nil, err
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	levelStr, _ := cmd.Flags().GetString("log-level")
	return &env{root: root, cfg: cfg, store: store, json: jsonOut, level: parseLevel(levelStr)}, nil
}

func parseLevel(s string) apply.LogLevel {
	switch s {
	case "debug":
		return apply.LogLevelDebug
	case "warn":
		return apply.LogLevelWarn
	case "error":
		return apply.LogLevelError
	default:
		return apply.LogLevelInfo
	}
}

func (e *env) index(ctx context.Context) (*workspace.Index, error) {
	return workspace.Discover(ctx, e.root, e.cfg.Concurrency)
}

func (e *env) plan(ctx context.Context, environment string, opts resolver.Options) (*model.ResolutionPlan, *workspace.Index, error) {
	idx, err := e.index(ctx)
	if err != nil {
		return nil, nil, err
	}
	pending, err := e.store.ListPending()
	if err != nil {
		return nil, nil, err
	}
	p, err := resolver.Resolve(idx, pending, environment, opts)
	if err != nil {
		return nil, nil, err
	}
	return p, idx, nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the changeset directories and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			cfgPath := filepath.Join(e.root, config.Filename)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				defaults := "versioning:\n  strategy: independent\n  propagation: patch\nchangeset:\n  path: .changesets\n"
				if err := os.WriteFile(cfgPath, []byte(defaults), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("initialized changeset store at %s\n", e.store.Dir())
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	var packages, environments, changes []string
	var bump string
	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Record a pending release intent for a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			c := &model.Changeset{
				Branch:       args[0],
				Packages:     packages,
				Environments: environments,
				Bump:         model.Bump(bump),
				Changes:      changes,
				Status:       model.PendingStatus(),
			}
			if err := e.store.Create(c); err != nil {
				return err
			}
			fmt.Printf("changeset %s created (%s: %s)\n", c.Branch, c.Bump, strings.Join(c.Packages, ", "))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&packages, "package", "p", nil, "package covered by this release (repeatable)")
	cmd.Flags().StringSliceVarP(&environments, "env", "e", []string{"production"}, "target environment (repeatable)")
	cmd.Flags().StringVarP(&bump, "bump", "b", "patch", "bump kind (major|minor|patch|none)")
	cmd.Flags().StringSliceVar(&changes, "change", nil, "commit id attributed to this changeset (repeatable)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending changesets",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			pending, err := e.store.ListPending()
			if err != nil {
				return err
			}
			if e.json {
				return e.printJSON(pending)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Branch", "Bump", "Packages", "Environments", "Status", "Created"})
			for _, c := range pending {
				tw.AppendRow(table.Row{
					c.Branch, c.Bump,
					strings.Join(c.Packages, ", "),
					strings.Join(c.Environments, ", "),
					c.Status.Phase,
					c.CreatedAt.Format(time.RFC3339),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <branch>",
		Short: "Show one changeset, pending or archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if c, err := e.store.Load(args[0]); err == nil {
				return e.printJSON(c)
			}
			a, err := e.store.LoadArchived(args[0])
			if err != nil {
				return err
			}
			return e.printJSON(a)
		},
	}
}

func planCmd() *cobra.Command {
	var environment, syncVersion string
	var manual []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve pending changesets into a release plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			opts, err := resolveOptions(e.cfg, syncVersion, manual)
			if err != nil {
				return err
			}
			p, _, err := e.plan(cmd.Context(), environment, opts)
			if err != nil {
				return err
			}
			if e.json {
				if err := e.printJSON(p); err != nil {
					return err
				}
			} else {
				renderPlan(p)
			}
			if p.HasBlockingConflicts() {
				return &exitCodeError{code: exitConflicts, err: fmt.Errorf("plan produced %d blocking conflict(s)", p.Impact.ErrorConflicts)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&environment, "env", "e", "production", "target environment")
	cmd.Flags().StringVar(&syncVersion, "sync-version", "", "target version for the synchronized strategy")
	cmd.Flags().StringSliceVar(&manual, "set", nil, "manual target version pkg=version (repeatable)")
	return cmd
}

func resolveOptions(cfg *model.Config, syncVersion string, manual []string) (resolver.Options, error) {
	opts := resolver.OptionsFromConfig(cfg)
	if syncVersion != "" {
		opts.Strategy = model.StrategySynchronized
		opts.SynchronizedVersion = syncVersion
	}
	if len(manual) > 0 {
		opts.Strategy = model.StrategyManual
		opts.ManualVersions = make(map[string]string, len(manual))
		for _, m := range manual {
			pkg, version, ok := strings.Cut(m, "=")
			if !ok {
				return opts, fmt.Errorf("--set wants pkg=version, got %q", m)
			}
			opts.ManualVersions[pkg] = version
		}
	}
	return opts, nil
}

func renderPlan(p *model.ResolutionPlan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Package", "From", "To", "Reason"})
	for _, u := range p.Updates {
		reason := string(u.Reason.Kind)
		if u.Reason.Because != "" {
			reason += " (" + u.Reason.Because + ")"
		}
		tw.AppendRow(table.Row{u.Name, u.From, u.To, reason})
	}
	tw.Render()
	if len(p.SpecUpdates) > 0 {
		tw = table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"In", "Dependency", "Section", "From", "To"})
		for _, su := range p.SpecUpdates {
			tw.AppendRow(table.Row{su.InPackage, su.Dependency, su.Section, su.FromSpec, su.ToSpec})
		}
		tw.Render()
	}
	for _, c := range p.Conflicts {
		fmt.Printf("conflict [%s/%s]: dep=%s cycle=%v %s\n", c.Kind, c.Severity, c.Dependency, c.Cycle, c.Hint)
	}
	fmt.Printf("branches: %s; estimated duration: %s\n", strings.Join(p.Branches, ", "), p.EstimatedDuration)
}

func applyCmd() *cobra.Command {
	var environment, appliedBy, gitCommit, syncVersion string
	var manual []string
	var dryRun, force bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Resolve and apply the pending changesets for an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			opts, err := resolveOptions(e.cfg, syncVersion, manual)
			if err != nil {
				return err
			}
			p, idx, err := e.plan(cmd.Context(), environment, opts)
			if err != nil {
				return err
			}
			engine := apply.NewEngine(e.store, events.NewBus(16), e.cfg.Backup,
				log.New(os.Stderr, "", 0), e.level)
			res, err := engine.Apply(cmd.Context(), idx, p, apply.Options{
				DryRun:    dryRun,
				Force:     force,
				AppliedBy: appliedBy,
				GitCommit: gitCommit,
			})
			if err != nil {
				// Pre-write failures and partial successes keep their own
				// codes; anything that failed the write phase was rolled back.
				var pse *apply.PartialSuccessError
				if errors.As(err, &pse) ||
					errors.Is(err, apply.ErrBlockingConflicts) ||
					errors.Is(err, apply.ErrPlanStale) {
					return err
				}
				return &exitCodeError{code: exitRolledBack, err: err}
			}
			if e.json {
				return e.printJSON(res)
			}
			if res.DryRun {
				for _, fc := range res.Changes {
					fmt.Printf("would update %s: %s → %s (%d spec rewrites)\n", fc.Package, fc.FromVersion, fc.ToVersion, fc.SpecRewrites)
				}
				return nil
			}
			fmt.Printf("applied %d package(s), archived %d changeset(s) (op %s)\n",
				len(res.Written), len(res.Archived), res.OperationID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&environment, "env", "e", "production", "target environment")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing")
	cmd.Flags().BoolVar(&force, "force", false, "apply despite blocking conflicts")
	cmd.Flags().StringVar(&appliedBy, "by", currentUser(), "who applies the release")
	cmd.Flags().StringVar(&gitCommit, "commit", "", "git commit recorded in the release info")
	cmd.Flags().StringVar(&syncVersion, "sync-version", "", "target version for the synchronized strategy")
	cmd.Flags().StringSliceVar(&manual, "set", nil, "manual target version pkg=version (repeatable)")
	return cmd
}

func archiveCmd() *cobra.Command {
	var environment, appliedBy, gitCommit string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Re-run archival for an applied plan (partial-success recovery)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			p, _, err := e.plan(cmd.Context(), environment, resolver.OptionsFromConfig(e.cfg))
			if err != nil {
				return err
			}
			engine := apply.NewEngine(e.store, nil, e.cfg.Backup, log.New(os.Stderr, "", 0), e.level)
			res, err := engine.ArchiveOnly(p, apply.Options{AppliedBy: appliedBy, GitCommit: gitCommit})
			if err != nil {
				return err
			}
			fmt.Printf("archived %d changeset(s)\n", len(res.Archived))
			return nil
		},
	}
	cmd.Flags().StringVarP(&environment, "env", "e", "production", "target environment")
	cmd.Flags().StringVar(&appliedBy, "by", currentUser(), "who applied the release")
	cmd.Flags().StringVar(&gitCommit, "commit", "", "git commit recorded in the release info")
	return cmd
}

// unifyCmd aligns divergent specifiers for one dependency across the
// workspace, covering external dependencies the release path leaves alone.
func unifyCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "unify <dependency>",
		Short: "Unify a dependency's version specs across packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			dep := args[0]
			idx, err := e.index(cmd.Context())
			if err != nil {
				return err
			}

			var obs []interner.Observation
			for _, name := range idx.Names() {
				pkg, _ := idx.Package(name)
				for _, edge := range pkg.DependencyOn(dep) {
					obs = append(obs, interner.Observation{Package: name, Section: edge.Section, Spec: edge.Spec})
				}
			}
			in := interner.New(e.cfg.Interner.WorkspaceSpecStyle)
			res := in.UnifyDep(dep, obs, workspaceVersion(idx, dep))
			if res.Conflict != nil {
				for _, o := range res.Conflict.Observed {
					fmt.Println("  ", o)
				}
				return &exitCodeError{code: exitConflicts, err: fmt.Errorf("specs for %s cannot be unified", dep)}
			}
			for _, ru := range res.Rewrites {
				fmt.Printf("%s %s: %s → %s\n", ru.InPackage, ru.Section, ru.FromSpec, ru.ToSpec)
				if dryRun {
					continue
				}
				pkg, _ := idx.Package(ru.InPackage)
				doc, err := manifest.LoadDir(pkg.Dir)
				if err != nil {
					return err
				}
				next, err := doc.RewriteDepSpec(ru.Section, ru.Dependency, ru.ToSpec)
				if err != nil {
					return err
				}
				if err := manifest.Save(doc.Path, next); err != nil {
					return err
				}
			}
			if len(res.Rewrites) == 0 {
				fmt.Printf("specs for %s are already unified\n", dep)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report rewrites without writing")
	return cmd
}

func workspaceVersion(idx *workspace.Index, dep string) *semver.Version {
	pkg, ok := idx.Package(dep)
	if !ok {
		return nil
	}
	v, err := pkg.CurrentVersion()
	if err != nil {
		return nil
	}
	return v
}

func purgeBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-backups",
		Short: "Delete retained apply backups past the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			maxAge := time.Duration(e.cfg.Backup.RetentionDays) * 24 * time.Hour
			removed, err := apply.PurgeBackups(e.cfg.Backup.Path, maxAge, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d backup(s)\n", len(removed))
			return nil
		},
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
