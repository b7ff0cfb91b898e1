package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusPhase is the lifecycle phase of a changeset.
type StatusPhase string

const (
	PhasePending           StatusPhase = "pending"
	PhasePartiallyDeployed StatusPhase = "partially_deployed"
	PhaseFullyDeployed     StatusPhase = "fully_deployed"
	PhaseMerged            StatusPhase = "merged"
)

// Changeset status transitions: pending → partially_deployed (per-env
// deploys) → fully_deployed → merged. partially_deployed may repeat as
// more environments land.
var validStatusTransitions = map[StatusPhase]map[StatusPhase]bool{
	PhasePending: {
		PhasePartiallyDeployed: true,
		PhaseFullyDeployed:     true,
	},
	PhasePartiallyDeployed: {
		PhasePartiallyDeployed: true,
		PhaseFullyDeployed:     true,
	},
	PhaseFullyDeployed: {
		PhaseMerged: true,
	},
}

var terminalStatusPhases = map[StatusPhase]bool{
	PhaseMerged: true,
}

// IsStatusTerminal reports whether the phase admits no further transitions.
func IsStatusTerminal(p StatusPhase) bool {
	return terminalStatusPhases[p]
}

// ValidateStatusTransition rejects transitions outside the lifecycle table.
func ValidateStatusTransition(from, to StatusPhase) error {
	if IsStatusTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validStatusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid changeset status transition: %q → %q", from, to)
	}
	return nil
}

// ChangesetStatus is the tagged union persisted in the changeset file:
// "pending", {"partiallyDeployed": [envs]}, {"fullyDeployed": ts} or
// {"merged": ts}.
type ChangesetStatus struct {
	Phase StatusPhase
	// Environments carries the deployed environments while partially deployed.
	Environments []string
	// At is the completion timestamp for fully_deployed and merged.
	At *time.Time
}

// PendingStatus returns the initial status.
func PendingStatus() ChangesetStatus {
	return ChangesetStatus{Phase: PhasePending}
}

func (s ChangesetStatus) MarshalJSON() ([]byte, error) {
	switch s.Phase {
	case PhasePending, "":
		return json.Marshal(string(PhasePending))
	case PhasePartiallyDeployed:
		return json.Marshal(map[string][]string{"partiallyDeployed": s.Environments})
	case PhaseFullyDeployed:
		return json.Marshal(map[string]*time.Time{"fullyDeployed": s.At})
	case PhaseMerged:
		return json.Marshal(map[string]*time.Time{"merged": s.At})
	default:
		return nil, fmt.Errorf("unknown changeset status phase %q", s.Phase)
	}
}

func (s *ChangesetStatus) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		if plain != string(PhasePending) {
			return fmt.Errorf("unknown changeset status %q", plain)
		}
		*s = ChangesetStatus{Phase: PhasePending}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("changeset status: %w", err)
	}
	if raw, ok := obj["partiallyDeployed"]; ok {
		var envs []string
		if err := json.Unmarshal(raw, &envs); err != nil {
			return fmt.Errorf("changeset status partiallyDeployed: %w", err)
		}
		*s = ChangesetStatus{Phase: PhasePartiallyDeployed, Environments: envs}
		return nil
	}
	for phase, key := range map[StatusPhase]string{PhaseFullyDeployed: "fullyDeployed", PhaseMerged: "merged"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var at time.Time
		if err := json.Unmarshal(raw, &at); err != nil {
			return fmt.Errorf("changeset status %s: %w", key, err)
		}
		*s = ChangesetStatus{Phase: phase, At: &at}
		return nil
	}
	return fmt.Errorf("unrecognized changeset status object")
}
