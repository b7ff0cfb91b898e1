// Package interner unifies version specifiers for the same dependency
// across packages: identical sets are left alone, compatible sets are
// rewritten to their unique maximum in the dominant prefix style, and
// incompatible sets surface as dependency mismatch conflicts. The
// interner is stateless and deterministic.
package interner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/verso-tools/verso/internal/model"
)

// Observation is one sighting of a dependency spec in a package manifest.
type Observation struct {
	Package string
	Section model.DepSection
	Spec    model.Specifier
}

// UnifyResult is the interner's decision for one dependency name:
// either a set of spec rewrites or a mismatch conflict, never both.
type UnifyResult struct {
	Rewrites []model.DependencySpecUpdate
	Conflict *model.Conflict
}

// Interner applies the unification policy. style selects the unified
// form for workspace dependencies (workspace:^V or workspace:*).
type Interner struct {
	style model.WorkspaceSpecStyle
}

func New(style model.WorkspaceSpecStyle) *Interner {
	if style == "" {
		style = model.SpecStyleCaret
	}
	return &Interner{style: style}
}

// RewriteEdge computes the replacement spec for one edge after its
// target moves to v, preserving the edge's prefix style. The second
// return is false when the edge needs no rewrite (opaque specs,
// workspace:*, or a spec already equal to the result).
func (in *Interner) RewriteEdge(spec model.Specifier, v *semver.Version) (string, bool) {
	if !spec.Versioned() {
		return "", false
	}
	next := spec.RewriteTo(v)
	if next == spec.Raw {
		return "", false
	}
	return next, true
}

// WorkspaceSpec returns the unified spec form for a workspace
// dependency at version v.
func (in *Interner) WorkspaceSpec(v *semver.Version) string {
	if in.style == model.SpecStyleStar {
		return "workspace:*"
	}
	return "workspace:^" + v.String()
}

// UnifyDep decides unification for one dependency name given all of its
// observations. workspaceVersion is the dependency's resolved local
// version when it is itself a workspace package, nil otherwise.
// Observations are processed in deterministic package-then-section order.
func (in *Interner) UnifyDep(dep string, obs []Observation, workspaceVersion *semver.Version) UnifyResult {
	if len(obs) < 2 {
		return UnifyResult{}
	}
	sorted := make([]Observation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Package != sorted[j].Package {
			return sorted[i].Package < sorted[j].Package
		}
		return sorted[i].Section < sorted[j].Section
	})

	identical := true
	for _, o := range sorted[1:] {
		if o.Spec.Raw != sorted[0].Spec.Raw {
			identical = false
			break
		}
	}
	if identical {
		return UnifyResult{}
	}

	if workspaceVersion != nil {
		return UnifyResult{Rewrites: in.rewriteAll(dep, sorted, in.WorkspaceSpec(workspaceVersion))}
	}

	max, ok := uniqueMaximum(sorted)
	if !ok {
		return UnifyResult{Conflict: mismatch(dep, sorted)}
	}
	for _, o := range sorted {
		if o.Spec.Versioned() && !o.Spec.SatisfiedBy(max) {
			return UnifyResult{Conflict: mismatch(dep, sorted)}
		}
	}
	unified := dominantPrefix(sorted) + max.String()
	return UnifyResult{Rewrites: in.rewriteAll(dep, sorted, unified)}
}

func (in *Interner) rewriteAll(dep string, obs []Observation, unified string) []model.DependencySpecUpdate {
	var out []model.DependencySpecUpdate
	for _, o := range obs {
		if o.Spec.Raw == unified || !o.Spec.Versioned() {
			continue
		}
		out = append(out, model.DependencySpecUpdate{
			InPackage:  o.Package,
			Dependency: dep,
			Section:    o.Section,
			FromSpec:   o.Spec.Raw,
			ToSpec:     unified,
		})
	}
	return out
}

// uniqueMaximum extracts the base version of every versioned spec and
// returns the maximum, failing when any base cannot be determined
// (complex ranges) or when no versioned spec exists.
func uniqueMaximum(obs []Observation) (*semver.Version, bool) {
	var max *semver.Version
	for _, o := range obs {
		if !o.Spec.Versioned() {
			continue
		}
		base, ok := baseVersion(o.Spec)
		if !ok {
			return nil, false
		}
		if max == nil || base.GreaterThan(max) {
			max = base
		}
	}
	return max, max != nil
}

// baseVersion parses the numeric floor of a simple spec: "1.2.3",
// "^1.2.3", "~1.2.3", or their workspace-wrapped forms.
func baseVersion(s model.Specifier) (*semver.Version, bool) {
	raw := s.Raw
	if s.Kind == model.SpecWorkspace {
		raw = s.Inner
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "^"), "~")
	v, err := semver.StrictNewVersion(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	return v, true
}

// dominantPrefix returns the most common prefix style among the
// observations; caret wins ties over tilde over exact.
func dominantPrefix(obs []Observation) string {
	counts := map[string]int{}
	for _, o := range obs {
		if !o.Spec.Versioned() {
			continue
		}
		if o.Spec.Exact {
			counts[""]++
		} else {
			counts[o.Spec.Prefix]++
		}
	}
	best := "^"
	bestCount := -1
	for _, p := range []string{"^", "~", ""} {
		if counts[p] > bestCount {
			best, bestCount = p, counts[p]
		}
	}
	return best
}

func mismatch(dep string, obs []Observation) *model.Conflict {
	observed := make([]string, 0, len(obs))
	for _, o := range obs {
		observed = append(observed, fmt.Sprintf("%s(%s): %s", o.Package, o.Section, o.Spec.Raw))
	}
	return &model.Conflict{
		Kind:       model.ConflictDependencyMismatch,
		Severity:   model.SeverityError,
		Dependency: dep,
		Observed:   observed,
		Hint:       "align the specifiers for " + dep + " or release the workspace package they target",
	}
}
