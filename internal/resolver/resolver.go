// Package resolver computes resolution plans: given the workspace index
// and the pending changesets for a target environment, it derives every
// version bump (direct, SCC-collapsed, propagated) and dependency spec
// rewrite needed to keep the graph consistent. Resolution is pure:
// identical inputs produce byte-identical plans and nothing is mutated.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/verso-tools/verso/internal/interner"
	"github.com/verso-tools/verso/internal/model"
	"github.com/verso-tools/verso/internal/workspace"
)

// VersionError reports a package whose current version is not valid semver.
type VersionError struct {
	Package string
	Version string
	Err     error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("package %s: invalid version %q: %v", e.Package, e.Version, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// perFileCost feeds the plan's estimated duration: one atomic manifest
// write per touched file.
const perFileCost = 75 * time.Millisecond

// Options selects the versioning policy for one resolution.
type Options struct {
	Strategy           model.Strategy
	Propagation        model.Propagation
	ZeroVerMajor       model.ZeroVerPolicy
	WorkspaceSpecStyle model.WorkspaceSpecStyle

	// ManualVersions supplies explicit targets for StrategyManual.
	ManualVersions map[string]string
	// SynchronizedVersion pins the single target for StrategySynchronized.
	// Empty derives it from the strongest requested bump applied to the
	// numerically highest current version in the workspace.
	SynchronizedVersion string
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = model.StrategyIndependent
	}
	if o.Propagation == "" {
		o.Propagation = model.PropagationPatch
	}
	if o.ZeroVerMajor == "" {
		o.ZeroVerMajor = model.ZeroVerBump
	}
	if o.WorkspaceSpecStyle == "" {
		o.WorkspaceSpecStyle = model.SpecStyleCaret
	}
	return o
}

// OptionsFromConfig maps the recognized configuration onto resolver options.
func OptionsFromConfig(cfg *model.Config) Options {
	return Options{
		Strategy:           cfg.Versioning.Strategy,
		Propagation:        cfg.Versioning.Propagation,
		ZeroVerMajor:       cfg.Versioning.ZeroVerMajor,
		WorkspaceSpecStyle: cfg.Interner.WorkspaceSpecStyle,
	}.withDefaults()
}

// outcome is the working state for one package during resolution.
type outcome struct {
	current *semver.Version
	target  *semver.Version
	class   model.Bump
	reason  model.UpdateReason
}

// Resolve computes the plan for env from the pending changesets.
func Resolve(idx *workspace.Index, pending []*model.Changeset, env string, opts Options) (*model.ResolutionPlan, error) {
	opts = opts.withDefaults()

	plan := &model.ResolutionPlan{Environment: env}

	// Step 1: collect author intent from applicable changesets; the
	// strongest bump wins when a package is named more than once.
	direct := make(map[string]model.Bump)
	for _, c := range pending {
		if !c.Targets(env) {
			continue
		}
		plan.Branches = append(plan.Branches, c.Branch)
		for _, pkg := range c.Packages {
			if _, ok := idx.Package(pkg); !ok {
				return nil, fmt.Errorf("changeset %s names unknown package %q", c.Branch, pkg)
			}
			direct[pkg] = model.MaxBump(direct[pkg], c.Bump)
		}
	}

	currents, err := currentVersions(idx)
	if err != nil {
		return nil, err
	}

	var outcomes map[string]*outcome
	switch opts.Strategy {
	case model.StrategySynchronized:
		outcomes, err = resolveSynchronized(idx, currents, direct, opts)
	case model.StrategyManual:
		outcomes, err = resolveManual(idx, currents, opts)
	default:
		outcomes, err = resolveIndependent(idx, currents, direct, opts)
	}
	if err != nil {
		return nil, err
	}

	in := interner.New(opts.WorkspaceSpecStyle)
	specUpdates, conflicts, unified := rewriteSpecs(idx, in, outcomes)

	// A package whose manifest changes only to unify dependency specs
	// still needs a release of its own.
	for name, dep := range unified {
		if _, ok := outcomes[name]; ok {
			continue
		}
		target, err := model.BumpPatch.Apply(currents[name], opts.ZeroVerMajor)
		if err != nil {
			return nil, err
		}
		outcomes[name] = &outcome{
			current: currents[name],
			target:  target,
			class:   model.BumpPatch,
			reason:  model.UpdateReason{Kind: model.ReasonUnification, Because: dep},
		}
	}

	// Step 6: a bump-derived version must move strictly forward. Explicit
	// synchronized or manual targets may set a package down to the
	// requested version.
	if opts.Strategy != model.StrategySynchronized && opts.Strategy != model.StrategyManual {
		for name, o := range outcomes {
			if o.class != model.BumpNone && !o.target.GreaterThan(o.current) {
				return nil, fmt.Errorf("package %s: computed version %s does not advance %s", name, o.target, o.current)
			}
		}
	}

	// Cycles touching the plan are informational, never failures.
	planned := make(map[string]bool, len(outcomes))
	for name := range outcomes {
		planned[name] = true
	}
	for _, cd := range idx.Cycles() {
		touches := false
		for _, member := range cd.Cycle {
			if planned[member] {
				touches = true
				break
			}
		}
		if touches {
			conflicts = append(conflicts, model.Conflict{
				Kind:     model.ConflictCircularDependency,
				Severity: model.SeverityInfo,
				Cycle:    append([]string(nil), cd.Cycle...),
				Hint:     "mutually dependent packages are versioned together",
			})
		}
	}

	// Step 7: emit updates leaves-first in the index's stable order.
	for _, name := range idx.TopologicalOrder() {
		o, ok := outcomes[name]
		if !ok {
			continue
		}
		plan.Updates = append(plan.Updates, model.PackageUpdate{
			Name:   name,
			From:   o.current.String(),
			To:     o.target.String(),
			Reason: o.reason,
		})
	}
	sort.Slice(specUpdates, func(i, j int) bool {
		a, b := specUpdates[i], specUpdates[j]
		if a.InPackage != b.InPackage {
			return a.InPackage < b.InPackage
		}
		if a.Dependency != b.Dependency {
			return a.Dependency < b.Dependency
		}
		return a.Section < b.Section
	})
	plan.SpecUpdates = specUpdates
	plan.Conflicts = conflicts

	touched := make(map[string]bool)
	for _, u := range plan.Updates {
		touched[u.Name] = true
	}
	for _, su := range plan.SpecUpdates {
		touched[su.InPackage] = true
	}
	plan.EstimatedDuration = time.Duration(len(touched)) * perFileCost
	plan.Summarize()
	return plan, nil
}

func currentVersions(idx *workspace.Index) (map[string]*semver.Version, error) {
	out := make(map[string]*semver.Version)
	for _, name := range idx.Names() {
		pkg, _ := idx.Package(name)
		v, err := semver.StrictNewVersion(pkg.Version)
		if err != nil {
			return nil, &VersionError{Package: name, Version: pkg.Version, Err: err}
		}
		out[name] = v
	}
	return out, nil
}

// resolveIndependent runs steps 2-4 of the default strategy: direct
// versions, SCC collapse, and reverse-topological propagation.
func resolveIndependent(idx *workspace.Index, currents map[string]*semver.Version, direct map[string]model.Bump, opts Options) (map[string]*outcome, error) {
	outcomes := make(map[string]*outcome)

	// Walk the SCC condensation leaves-first so every component sees its
	// dependencies' final versions before deciding its own.
	order := idx.TopologicalOrder()
	seenComp := make(map[string]bool)
	for _, name := range order {
		if seenComp[name] {
			continue
		}
		comp := idx.SCCOf(name)
		for _, m := range comp {
			seenComp[m] = true
		}

		class, reason := componentClass(idx, comp, direct, outcomes, opts)
		if class == model.BumpNone {
			continue
		}

		// All SCC members share one target, computed from the highest
		// current version in the component.
		base := currents[comp[0]]
		for _, m := range comp[1:] {
			if currents[m].GreaterThan(base) {
				base = currents[m]
			}
		}
		target, err := class.Apply(base, opts.ZeroVerMajor)
		if err != nil {
			return nil, err
		}
		for _, m := range comp {
			r := reason
			if _, named := direct[m]; named && direct[m] != model.BumpNone {
				r = model.UpdateReason{Kind: model.ReasonDirect}
			} else if r.Kind == model.ReasonDirect {
				// SCC collapse pulled this member in; attribute it to the
				// directly named member.
				r = model.UpdateReason{Kind: model.ReasonPropagated, Because: firstNamed(comp, direct)}
			}
			outcomes[m] = &outcome{current: currents[m], target: target, class: class, reason: r}
		}
	}
	return outcomes, nil
}

// componentClass computes the bump class a component receives: the
// strongest of its members' direct requests and of the propagation
// pressure from already-resolved dependencies.
func componentClass(idx *workspace.Index, comp []string, direct map[string]model.Bump, outcomes map[string]*outcome, opts Options) (model.Bump, model.UpdateReason) {
	class := model.BumpNone
	reason := model.UpdateReason{Kind: model.ReasonDirect}
	for _, m := range comp {
		if b, ok := direct[m]; ok && b.Rank() > class.Rank() {
			class = b
			reason = model.UpdateReason{Kind: model.ReasonDirect}
		}
	}

	if opts.Propagation == model.PropagationNone {
		return class, reason
	}

	inComp := make(map[string]bool, len(comp))
	for _, m := range comp {
		inComp[m] = true
	}
	for _, m := range comp {
		pkg, _ := idx.Package(m)
		for _, dep := range idx.Dependencies(m) {
			if inComp[dep] {
				continue
			}
			parent, ok := outcomes[dep]
			if !ok || !parent.target.GreaterThan(parent.current) {
				continue
			}
			pClass, pReason := propagationOnto(pkg, dep, parent, opts)
			if pClass.Rank() > class.Rank() {
				class = pClass
				reason = pReason
			}
		}
	}
	return class, reason
}

// propagationOnto decides the bump a dependent inherits when dep moved
// to parent.target. Peer-only edges never trigger propagation.
func propagationOnto(pkg *model.Package, dep string, parent *outcome, opts Options) (model.Bump, model.UpdateReason) {
	edges := pkg.DependencyOn(dep)
	hasNonPeer := false
	violated := false
	for _, e := range edges {
		if e.Spec.Opaque() {
			continue
		}
		if e.Section == model.SectionPeerDependencies {
			continue
		}
		hasNonPeer = true
		if !e.Spec.SatisfiedBy(parent.target) {
			violated = true
		}
	}
	if !hasNonPeer {
		return model.BumpNone, model.UpdateReason{}
	}

	if violated {
		// The edge breaks: the dependent inherits the parent's bump class.
		return parent.class, model.UpdateReason{Kind: model.ReasonPropagatedBreaking, Because: dep}
	}
	switch opts.Propagation {
	case model.PropagationSynchronized:
		return parent.class, model.UpdateReason{Kind: model.ReasonPropagated, Because: dep}
	case model.PropagationBreakingFollowsParent:
		return model.BumpNone, model.UpdateReason{}
	default:
		return model.BumpPatch, model.UpdateReason{Kind: model.ReasonPropagated, Because: dep}
	}
}

func firstNamed(comp []string, direct map[string]model.Bump) string {
	for _, m := range comp {
		if b, ok := direct[m]; ok && b != model.BumpNone {
			return m
		}
	}
	return ""
}

// resolveSynchronized gives every workspace package the same target
// version; author intent reduces to which version that is. A package
// already above an explicit target is set down to it.
func resolveSynchronized(idx *workspace.Index, currents map[string]*semver.Version, direct map[string]model.Bump, opts Options) (map[string]*outcome, error) {
	var target *semver.Version
	if opts.SynchronizedVersion != "" {
		v, err := semver.StrictNewVersion(opts.SynchronizedVersion)
		if err != nil {
			return nil, fmt.Errorf("synchronized target %q: %w", opts.SynchronizedVersion, err)
		}
		target = v
	} else {
		class := model.BumpNone
		for _, b := range direct {
			class = model.MaxBump(class, b)
		}
		if class == model.BumpNone {
			return map[string]*outcome{}, nil
		}
		var base *semver.Version
		for _, name := range idx.Names() {
			if base == nil || currents[name].GreaterThan(base) {
				base = currents[name]
			}
		}
		v, err := class.Apply(base, opts.ZeroVerMajor)
		if err != nil {
			return nil, err
		}
		target = v
	}

	because := ""
	for _, name := range idx.Names() {
		if b, ok := direct[name]; ok && b != model.BumpNone {
			because = name
			break
		}
	}

	outcomes := make(map[string]*outcome)
	for _, name := range idx.Names() {
		if currents[name].Equal(target) {
			continue
		}
		reason := model.UpdateReason{Kind: model.ReasonPropagated, Because: because}
		class := model.BumpPatch
		if _, named := direct[name]; named {
			reason = model.UpdateReason{Kind: model.ReasonDirect}
		}
		outcomes[name] = &outcome{current: currents[name], target: target, class: class, reason: reason}
	}
	return outcomes, nil
}

// resolveManual takes caller-supplied targets verbatim and validates them.
func resolveManual(idx *workspace.Index, currents map[string]*semver.Version, opts Options) (map[string]*outcome, error) {
	outcomes := make(map[string]*outcome)
	names := make([]string, 0, len(opts.ManualVersions))
	for name := range opts.ManualVersions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := idx.Package(name); !ok {
			return nil, fmt.Errorf("manual version for unknown package %q", name)
		}
		v, err := semver.StrictNewVersion(opts.ManualVersions[name])
		if err != nil {
			return nil, fmt.Errorf("manual version for %s: %w", name, err)
		}
		if v.Equal(currents[name]) {
			continue
		}
		outcomes[name] = &outcome{
			current: currents[name],
			target:  v,
			class:   model.BumpPatch,
			reason:  model.UpdateReason{Kind: model.ReasonDirect},
		}
	}
	return outcomes, nil
}

// rewriteSpecs is step 5 plus the mismatch sweep of step 6: every
// version-bearing edge pointing at a moved package is rewritten in its
// own prefix style, then final specs are checked for consistency and
// handed to the interner when they diverge. The third return maps each
// package whose edges the sweep unified to the dependency that drove it.
func rewriteSpecs(idx *workspace.Index, in *interner.Interner, outcomes map[string]*outcome) ([]model.DependencySpecUpdate, []model.Conflict, map[string]string) {
	var updates []model.DependencySpecUpdate
	var conflicts []model.Conflict
	unified := make(map[string]string)

	rewritten := make(map[[3]string]string) // (pkg, dep, section) → new raw spec

	for _, target := range idx.Names() {
		o, moved := outcomes[target]
		if !moved {
			continue
		}
		for _, dependent := range idx.Dependents(target) {
			pkg, _ := idx.Package(dependent)
			for _, e := range pkg.DependencyOn(target) {
				next, ok := in.RewriteEdge(e.Spec, o.target)
				if !ok {
					continue
				}
				updates = append(updates, model.DependencySpecUpdate{
					InPackage:  dependent,
					Dependency: target,
					Section:    e.Section,
					FromSpec:   e.Spec.Raw,
					ToSpec:     next,
				})
				rewritten[[3]string{dependent, target, string(e.Section)}] = next
			}
		}
	}

	// Mismatch sweep: after rewrites, every versioned edge at a
	// workspace package must accept that package's final version.
	for _, target := range idx.Names() {
		final := finalVersion(idx, target, outcomes)
		var bad []interner.Observation
		for _, dependent := range idx.Dependents(target) {
			pkg, _ := idx.Package(dependent)
			for _, e := range pkg.DependencyOn(target) {
				spec := e.Spec
				if raw, ok := rewritten[[3]string{dependent, target, string(e.Section)}]; ok {
					parsed, err := model.ParseSpecifier(raw)
					if err == nil {
						spec = parsed
					}
				}
				if spec.Versioned() && !spec.SatisfiedBy(final) {
					bad = append(bad, interner.Observation{Package: dependent, Section: e.Section, Spec: spec})
				}
			}
		}
		if len(bad) == 0 {
			continue
		}
		res := in.UnifyDep(target, collectObservations(idx, target, rewritten), final)
		if res.Conflict != nil {
			res.Conflict.Package = target
			conflicts = append(conflicts, *res.Conflict)
			continue
		}
		for _, ru := range res.Rewrites {
			key := [3]string{ru.InPackage, ru.Dependency, string(ru.Section)}
			if prev, ok := rewritten[key]; ok && prev == ru.ToSpec {
				continue
			}
			rewritten[key] = ru.ToSpec
			updates = append(updates, ru)
			if _, ok := unified[ru.InPackage]; !ok {
				unified[ru.InPackage] = target
			}
		}
	}

	return updates, conflicts, unified
}

// collectObservations gathers the current (post-rewrite) specs of every
// edge targeting dep, for unification.
func collectObservations(idx *workspace.Index, dep string, rewritten map[[3]string]string) []interner.Observation {
	var obs []interner.Observation
	for _, dependent := range idx.Dependents(dep) {
		pkg, _ := idx.Package(dependent)
		for _, e := range pkg.DependencyOn(dep) {
			spec := e.Spec
			if raw, ok := rewritten[[3]string{dependent, dep, string(e.Section)}]; ok {
				if parsed, err := model.ParseSpecifier(raw); err == nil {
					spec = parsed
				}
			}
			obs = append(obs, interner.Observation{Package: dependent, Section: e.Section, Spec: spec})
		}
	}
	return obs
}

func finalVersion(idx *workspace.Index, name string, outcomes map[string]*outcome) *semver.Version {
	if o, ok := outcomes[name]; ok {
		return o.target
	}
	pkg, _ := idx.Package(name)
	v, _ := semver.StrictNewVersion(pkg.Version)
	return v
}
