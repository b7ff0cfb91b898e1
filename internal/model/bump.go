package model

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Bump is the author-declared release kind for a changeset.
type Bump string

const (
	BumpNone  Bump = "none"
	BumpPatch Bump = "patch"
	BumpMinor Bump = "minor"
	BumpMajor Bump = "major"
)

var bumpRank = map[Bump]int{
	BumpNone:  0,
	BumpPatch: 1,
	BumpMinor: 2,
	BumpMajor: 3,
}

// Valid reports whether b is a known bump kind.
func (b Bump) Valid() bool {
	_, ok := bumpRank[b]
	return ok
}

// Rank orders bump kinds: none ≺ patch ≺ minor ≺ major.
func (b Bump) Rank() int {
	return bumpRank[b]
}

// MaxBump returns the stronger of two bump kinds.
func MaxBump(a, b Bump) Bump {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// ZeroVerPolicy controls how a major bump treats 0.x versions.
type ZeroVerPolicy string

const (
	// ZeroVerBump bumps 0.x.y to 1.0.0 on major, like any other version.
	ZeroVerBump ZeroVerPolicy = "bump"
	// ZeroVerTreatAsMinor maps a major bump of a 0.x version to a minor bump.
	ZeroVerTreatAsMinor ZeroVerPolicy = "treatAsMinor"
)

// Apply computes the next version for a bump. Pre-release and build
// metadata are dropped on any non-none bump.
func (b Bump) Apply(cur *semver.Version, zeroVer ZeroVerPolicy) (*semver.Version, error) {
	switch b {
	case BumpNone:
		return cur, nil
	case BumpPatch:
		v := cur.IncPatch()
		return &v, nil
	case BumpMinor:
		v := cur.IncMinor()
		return &v, nil
	case BumpMajor:
		if cur.Major() == 0 && zeroVer == ZeroVerTreatAsMinor {
			v := cur.IncMinor()
			return &v, nil
		}
		v := cur.IncMajor()
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown bump kind %q", b)
	}
}
