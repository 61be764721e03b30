package escalation

import (
	"sort"

	"gateline/internal/domain"
)

// RollbackPlan is the outcome of the rollback decision procedure.
type RollbackPlan struct {
	Allowed    bool
	DataImpact domain.DataImpact
	// Dependents are same-wave stories whose blocked_by names the target.
	Dependents []string
	Reason     string
}

// DecideRollback inspects the recorded data impact of target and finds the
// dependents that must be blocked if the rollback proceeds. Reason explains a
// refusal.
func DecideRollback(target domain.Story, wave []domain.Story) RollbackPlan {
	impact := domain.MaxImpact(domain.DataImpactNone, target.DataImpact)
	if impact == domain.DataImpactIrreversible {
		return RollbackPlan{DataImpact: impact, Reason: "data impact is irreversible; manual intervention required"}
	}
	var deps []string
	for _, s := range wave {
		if s.ID == target.ID || s.Wave != target.Wave || s.Status.Terminal() {
			continue
		}
		for _, b := range s.BlockedBy {
			if b == target.ID {
				deps = append(deps, s.ID)
				break
			}
		}
	}
	sort.Strings(deps)
	return RollbackPlan{Allowed: true, DataImpact: impact, Dependents: deps}
}
