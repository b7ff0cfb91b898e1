package model

import (
	"fmt"
	"time"
)

// Changeset is a durable record of intent to release a set of packages
// at a given bump level into a set of environments. One file per branch
// under the changeset directory.
type Changeset struct {
	Branch       string          `json:"branch"`
	Packages     []string        `json:"packages"`
	Environments []string        `json:"environments"`
	Bump         Bump            `json:"bump"`
	Changes      []string        `json:"changes"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Status       ChangesetStatus `json:"status"`
}

// Validate checks the structural invariants of a changeset record.
func (c *Changeset) Validate() error {
	if c.Branch == "" {
		return fmt.Errorf("changeset: branch is required")
	}
	if len(c.Packages) == 0 {
		return fmt.Errorf("changeset %s: packages must be non-empty", c.Branch)
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("changeset %s: environments must be non-empty", c.Branch)
	}
	if !c.Bump.Valid() {
		return fmt.Errorf("changeset %s: unknown bump kind %q", c.Branch, c.Bump)
	}
	return nil
}

// Targets reports whether the changeset targets the given environment.
func (c *Changeset) Targets(env string) bool {
	for _, e := range c.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// MarkDeployed records a deploy into env, advancing the status to
// partially_deployed, or to fully_deployed once every declared
// environment has landed.
func (c *Changeset) MarkDeployed(env string, at time.Time) error {
	if !c.Targets(env) {
		return fmt.Errorf("changeset %s: environment %q not declared", c.Branch, env)
	}
	deployed := map[string]bool{env: true}
	for _, e := range c.Status.Environments {
		deployed[e] = true
	}
	all := true
	for _, e := range c.Environments {
		if !deployed[e] {
			all = false
			break
		}
	}
	var next ChangesetStatus
	if all {
		next = ChangesetStatus{Phase: PhaseFullyDeployed, At: &at}
	} else {
		envs := make([]string, 0, len(deployed))
		for _, e := range c.Environments {
			if deployed[e] {
				envs = append(envs, e)
			}
		}
		next = ChangesetStatus{Phase: PhasePartiallyDeployed, Environments: envs}
	}
	if err := ValidateStatusTransition(c.Status.Phase, next.Phase); err != nil {
		return fmt.Errorf("changeset %s: %w", c.Branch, err)
	}
	c.Status = next
	c.UpdatedAt = at
	return nil
}

// ReleaseInfo records how an archived changeset was applied.
type ReleaseInfo struct {
	AppliedAt        time.Time         `json:"appliedAt"`
	AppliedBy        string            `json:"appliedBy"`
	GitCommit        string            `json:"gitCommit"`
	ResolvedVersions map[string]string `json:"resolvedVersions"`
}

// ArchivedChangeset is a consumed changeset deposited in the history
// store. History is append-only.
type ArchivedChangeset struct {
	Changeset
	ReleaseInfo ReleaseInfo `json:"releaseInfo"`
}
