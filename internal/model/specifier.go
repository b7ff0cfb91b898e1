package model

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SpecKind classifies a dependency specifier.
type SpecKind string

const (
	// SpecExact pins a single version ("1.2.3").
	SpecExact SpecKind = "exact"
	// SpecRange is a semver requirement ("^1.2.3", "~2.0", ">=1 <2").
	SpecRange SpecKind = "range"
	// SpecWorkspace is an intra-workspace link ("workspace:*", "workspace:^1.2.3").
	SpecWorkspace SpecKind = "workspace"
	// SpecPath is a path-based spec ("file:", "link:", "portal:"); opaque to versioning.
	SpecPath SpecKind = "path"
	// SpecURL is a tarball or git URL; opaque to versioning.
	SpecURL SpecKind = "url"
)

// WorkspaceStar is the inner form of a workspace spec that accepts any local version.
const WorkspaceStar = "*"

// Specifier is a parsed dependency version spec. Raw always holds the
// original string so opaque kinds round-trip untouched.
type Specifier struct {
	Kind SpecKind
	Raw  string

	// Prefix is the range operator style for exact/range specs and for the
	// inner range of workspace specs: "", "^", "~". Complex ranges
	// (">=1 <2", "1.x") keep Prefix "" with Exact false.
	Prefix string
	// Exact reports whether the spec (or workspace inner) is a pinned version.
	Exact bool

	// Inner is the portion after "workspace:"; WorkspaceStar for the star form.
	Inner string

	constraint *semver.Constraints
}

var pathPrefixes = []string{"file:", "link:", "portal:"}

// ParseSpecifier parses a manifest dependency value into a Specifier.
// Path and URL specs never fail; version-bearing specs fail when the
// range is not valid semver.
func ParseSpecifier(raw string) (Specifier, error) {
	s := strings.TrimSpace(raw)

	for _, p := range pathPrefixes {
		if strings.HasPrefix(s, p) {
			return Specifier{Kind: SpecPath, Raw: raw}, nil
		}
	}
	if isURLSpec(s) {
		return Specifier{Kind: SpecURL, Raw: raw}, nil
	}

	if inner, ok := strings.CutPrefix(s, "workspace:"); ok {
		inner = strings.TrimSpace(inner)
		if inner == "" || inner == WorkspaceStar {
			return Specifier{Kind: SpecWorkspace, Raw: raw, Inner: WorkspaceStar}, nil
		}
		prefix, exact, c, err := parseRange(inner)
		if err != nil {
			return Specifier{}, fmt.Errorf("workspace spec %q: %w", raw, err)
		}
		return Specifier{Kind: SpecWorkspace, Raw: raw, Inner: inner, Prefix: prefix, Exact: exact, constraint: c}, nil
	}

	prefix, exact, c, err := parseRange(s)
	if err != nil {
		return Specifier{}, fmt.Errorf("spec %q: %w", raw, err)
	}
	kind := SpecRange
	if exact {
		kind = SpecExact
	}
	return Specifier{Kind: kind, Raw: raw, Prefix: prefix, Exact: exact, constraint: c}, nil
}

func parseRange(s string) (prefix string, exact bool, c *semver.Constraints, err error) {
	c, err = semver.NewConstraint(s)
	if err != nil {
		return "", false, nil, err
	}
	switch {
	case strings.HasPrefix(s, "^"):
		return "^", false, c, nil
	case strings.HasPrefix(s, "~"):
		return "~", false, c, nil
	}
	if _, verr := semver.StrictNewVersion(s); verr == nil {
		return "", true, c, nil
	}
	return "", false, c, nil
}

func isURLSpec(s string) bool {
	if strings.Contains(s, "://") {
		return true
	}
	for _, p := range []string{"git+", "git:", "github:"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// IsInternal reports whether the spec uses the workspace scheme.
func (s Specifier) IsInternal() bool {
	return s.Kind == SpecWorkspace
}

// Opaque reports whether versioning must leave the spec alone entirely
// (path and URL specs).
func (s Specifier) Opaque() bool {
	return s.Kind == SpecPath || s.Kind == SpecURL
}

// Versioned reports whether the spec carries a semver requirement that
// versioning can check or rewrite. Path and URL specs are opaque.
func (s Specifier) Versioned() bool {
	switch s.Kind {
	case SpecPath, SpecURL:
		return false
	case SpecWorkspace:
		return s.Inner != WorkspaceStar
	default:
		return true
	}
}

// SatisfiedBy reports whether the target version satisfies this spec.
// Opaque specs and workspace:* are always satisfied.
func (s Specifier) SatisfiedBy(v *semver.Version) bool {
	if !s.Versioned() {
		return true
	}
	return s.constraint.Check(v)
}

// RewriteTo returns the spec string targeting v while preserving the
// original prefix style: "^1.2.3" becomes "^"+v, exact stays exact, and
// the "workspace:" scheme is retained. Complex ranges collapse to caret,
// the widest single-operator form that still pins the new floor.
func (s Specifier) RewriteTo(v *semver.Version) string {
	switch s.Kind {
	case SpecPath, SpecURL:
		return s.Raw
	case SpecWorkspace:
		if s.Inner == WorkspaceStar {
			return s.Raw
		}
		return "workspace:" + rewriteRange(s.Prefix, s.Exact, v)
	default:
		return rewriteRange(s.Prefix, s.Exact, v)
	}
}

func rewriteRange(prefix string, exact bool, v *semver.Version) string {
	if exact {
		return v.String()
	}
	if prefix == "" {
		prefix = "^"
	}
	return prefix + v.String()
}

func (s Specifier) String() string {
	return s.Raw
}
