package model

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// DepSection names a manifest dependency section.
type DepSection string

const (
	SectionDependencies     DepSection = "dependencies"
	SectionDevDependencies  DepSection = "devDependencies"
	SectionPeerDependencies DepSection = "peerDependencies"
)

// DepSections lists the sections in manifest order.
var DepSections = []DepSection{SectionDependencies, SectionDevDependencies, SectionPeerDependencies}

// Dependency is one edge of a package's manifest: a named dependency in a
// particular section with its parsed specifier.
type Dependency struct {
	Name    string
	Section DepSection
	Spec    Specifier
}

// Package is a workspace package: unique name, on-disk location (the
// manifest sits at Dir/package.json), current version, and its
// dependency edges in manifest order.
type Package struct {
	Name         string
	Dir          string
	Version      string
	Dependencies []Dependency
}

// CurrentVersion parses the package's manifest version.
func (p *Package) CurrentVersion() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("package %s: version %q: %w", p.Name, p.Version, err)
	}
	return v, nil
}

// DependencyOn returns the package's edges targeting dep, across all sections.
func (p *Package) DependencyOn(dep string) []Dependency {
	var out []Dependency
	for _, d := range p.Dependencies {
		if d.Name == dep {
			out = append(out, d)
		}
	}
	return out
}
