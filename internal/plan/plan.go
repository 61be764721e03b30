// Package plan builds the blocked_by graph of a wave and peels it into phases.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"gateline/internal/domain"
)

// CycleError names the stories forming a blocked_by cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "blocked_by cycle: " + strings.Join(e.Cycle, " -> ")
}

// MissingDependencyError reports a hard dependency that is outside the wave and not complete.
type MissingDependencyError struct {
	StoryID   string
	DependsOn string
	Status    domain.StoryStatus
}

func (e *MissingDependencyError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("story %s is blocked by unknown story %s", e.StoryID, e.DependsOn)
	}
	return fmt.Sprintf("story %s is blocked by %s outside the wave (status %s)", e.StoryID, e.DependsOn, e.Status)
}

// Group is the stories of one agent class inside a phase.
type Group struct {
	AgentClass string   `json:"agent_class"`
	Stories    []string `json:"stories"`
}

type Phase struct {
	Index   int      `json:"index"`
	Stories []string `json:"stories"`
	Groups  []Group  `json:"groups"`
}

type Plan struct {
	Wave   int     `json:"wave"`
	Phases []Phase `json:"phases"`
}

// IDs returns the phases as plain story id sets.
func (p Plan) IDs() [][]string {
	out := make([][]string, len(p.Phases))
	for i, ph := range p.Phases {
		out[i] = append([]string(nil), ph.Stories...)
	}
	return out
}

// Build plans a wave. members are the wave's stories; outside resolves hard
// dependencies that live in other waves.
func Build(wave int, members []domain.Story, outside func(id string) (domain.Story, bool)) (Plan, error) {
	byID := make(map[string]domain.Story, len(members))
	for _, s := range members {
		byID[s.ID] = s
	}
	edges := make(map[string][]string, len(members))
	for _, s := range members {
		for _, dep := range s.BlockedBy {
			if _, in := byID[dep]; in {
				edges[s.ID] = append(edges[s.ID], dep)
				continue
			}
			other, ok := outside(dep)
			if !ok {
				return Plan{}, &MissingDependencyError{StoryID: s.ID, DependsOn: dep}
			}
			if other.Status != domain.StatusComplete {
				return Plan{}, &MissingDependencyError{StoryID: s.ID, DependsOn: dep, Status: other.Status}
			}
		}
	}
	if cycle := findCycle(byID, edges); cycle != nil {
		return Plan{}, &CycleError{Cycle: cycle}
	}

	assigned := make(map[string]int, len(members))
	var phases []Phase
	for len(assigned) < len(members) {
		var ready []domain.Story
		for _, s := range members {
			if _, done := assigned[s.ID]; done {
				continue
			}
			ok := true
			for _, dep := range edges[s.ID] {
				if _, done := assigned[dep]; !done {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s)
			}
		}
		SortForDispatch(ready)
		idx := len(phases)
		ph := Phase{Index: idx}
		for _, s := range ready {
			ph.Stories = append(ph.Stories, s.ID)
		}
		ph.Groups = GroupByClass(ready)
		for _, s := range ready {
			assigned[s.ID] = idx
		}
		phases = append(phases, ph)
	}
	return Plan{Wave: wave, Phases: phases}, nil
}

// SortForDispatch orders stories by priority descending then id ascending.
func SortForDispatch(stories []domain.Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		if stories[i].Priority != stories[j].Priority {
			return stories[i].Priority > stories[j].Priority
		}
		return stories[i].ID < stories[j].ID
	})
}

// GroupByClass splits sorted stories by agent class, keeping their order.
func GroupByClass(sorted []domain.Story) []Group {
	var groups []Group
	index := map[string]int{}
	for _, s := range sorted {
		i, ok := index[s.AgentClass]
		if !ok {
			i = len(groups)
			index[s.AgentClass] = i
			groups = append(groups, Group{AgentClass: s.AgentClass})
		}
		groups[i].Stories = append(groups[i].Stories, s.ID)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].AgentClass < groups[j].AgentClass })
	return groups
}

func findCycle(nodes map[string]domain.Story, edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		deps := append([]string(nil), edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
