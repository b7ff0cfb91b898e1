package model

import "time"

// ReasonKind classifies why a package appears in a plan.
type ReasonKind string

const (
	// ReasonDirect means the package was named by an applicable changeset.
	ReasonDirect ReasonKind = "direct"
	// ReasonPropagated means a dependency of the package was bumped compatibly.
	ReasonPropagated ReasonKind = "propagated"
	// ReasonPropagatedBreaking means a dependency bump violated the
	// package's spec for it; the package inherits the parent's bump class.
	ReasonPropagatedBreaking ReasonKind = "propagated_breaking"
	// ReasonUnification means the bump exists only to unify dependency specs.
	ReasonUnification ReasonKind = "dependency_unification"
)

// UpdateReason explains a PackageUpdate. Because names the parent
// package for propagated kinds.
type UpdateReason struct {
	Kind    ReasonKind `json:"kind"`
	Because string     `json:"because,omitempty"`
}

// PackageUpdate is one version change in a plan.
type PackageUpdate struct {
	Name   string       `json:"name"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Reason UpdateReason `json:"reason"`
}

// DependencySpecUpdate rewrites one dependency edge's specifier.
type DependencySpecUpdate struct {
	InPackage  string     `json:"inPackage"`
	Dependency string     `json:"dependency"`
	Section    DepSection `json:"section"`
	FromSpec   string     `json:"fromSpec"`
	ToSpec     string     `json:"toSpec"`
}

// ConflictKind classifies plan conflicts.
type ConflictKind string

const (
	ConflictDependencyMismatch ConflictKind = "dependency_mismatch"
	ConflictCircularDependency ConflictKind = "circular_dependency"
)

// ConflictSeverity separates blocking conflicts from informational notes.
type ConflictSeverity string

const (
	SeverityInfo  ConflictSeverity = "info"
	SeverityError ConflictSeverity = "error"
)

// Conflict is a problem or note surfaced by the resolver. Circular
// dependencies are informational; dependency mismatches block apply
// unless overridden.
type Conflict struct {
	Kind       ConflictKind     `json:"kind"`
	Severity   ConflictSeverity `json:"severity"`
	Package    string           `json:"package,omitempty"`
	Dependency string           `json:"dependency,omitempty"`
	Observed   []string         `json:"observed,omitempty"`
	Cycle      []string         `json:"cycle,omitempty"`
	Hint       string           `json:"hint,omitempty"`
}

// ImpactSummary aggregates plan contents for reporting.
type ImpactSummary struct {
	DirectUpdates      int `json:"directUpdates"`
	PropagatedUpdates  int `json:"propagatedUpdates"`
	BreakingUpdates    int `json:"breakingUpdates"`
	UnificationUpdates int `json:"unificationUpdates"`
	SpecRewrites       int `json:"specRewrites"`
	InfoConflicts      int `json:"infoConflicts"`
	ErrorConflicts     int `json:"errorConflicts"`
}

// ResolutionPlan is the resolver's deterministic output for one target
// environment: version updates in topological (leaf-first) order,
// dependency spec rewrites, conflicts, and the consumed branches.
type ResolutionPlan struct {
	Environment       string                 `json:"environment"`
	Updates           []PackageUpdate        `json:"updates"`
	SpecUpdates       []DependencySpecUpdate `json:"specUpdates"`
	Conflicts         []Conflict             `json:"conflicts"`
	Branches          []string               `json:"branches"`
	EstimatedDuration time.Duration          `json:"estimatedDuration"`
	Impact            ImpactSummary          `json:"impactSummary"`
}

// VersionOf returns the planned target version for a package.
func (p *ResolutionPlan) VersionOf(name string) (string, bool) {
	for _, u := range p.Updates {
		if u.Name == name {
			return u.To, true
		}
	}
	return "", false
}

// ResolvedVersions returns the package → new version map for ReleaseInfo.
func (p *ResolutionPlan) ResolvedVersions() map[string]string {
	out := make(map[string]string, len(p.Updates))
	for _, u := range p.Updates {
		out[u.Name] = u.To
	}
	return out
}

// HasBlockingConflicts reports whether any conflict has error severity.
func (p *ResolutionPlan) HasBlockingConflicts() bool {
	for _, c := range p.Conflicts {
		if c.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Summarize recomputes the impact summary from the plan's contents.
func (p *ResolutionPlan) Summarize() {
	var s ImpactSummary
	for _, u := range p.Updates {
		switch u.Reason.Kind {
		case ReasonDirect:
			s.DirectUpdates++
		case ReasonPropagatedBreaking:
			s.BreakingUpdates++
		case ReasonUnification:
			s.UnificationUpdates++
		default:
			s.PropagatedUpdates++
		}
	}
	s.SpecRewrites = len(p.SpecUpdates)
	for _, c := range p.Conflicts {
		if c.Severity == SeverityError {
			s.ErrorConflicts++
		} else {
			s.InfoConflicts++
		}
	}
	p.Impact = s
}
