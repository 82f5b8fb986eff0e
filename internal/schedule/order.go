// Package schedule orders a validated plan for execution: dependency levels
// for concurrent per-step extraction, a linear order for mutations, forward
// reference patching between dependent steps, and the stop/continue failure
// policy.
package schedule

import (
	"github.com/basket/agenda/internal/plan"
)

// Levels partitions the plan's steps into waves such that every step's
// dependencies lie in strictly earlier waves. Ties keep original plan order.
// A cyclic remainder, which cannot occur in a normalized plan but is
// tolerated here, is appended as one final wave rather than failing.
func Levels(p *plan.Plan) [][]*plan.PlanStep {
	n := len(p.Steps)
	if n == 0 {
		return nil
	}
	index := make(map[string]int, n)
	for i := range p.Steps {
		index[p.Steps[i].ID] = i
	}
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i := range p.Steps {
		for _, dep := range p.Steps[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	placed := make([]bool, n)
	var levels [][]*plan.PlanStep
	remaining := n
	for remaining > 0 {
		var wave []*plan.PlanStep
		var waveIdx []int
		for i := range p.Steps {
			if !placed[i] && indegree[i] == 0 {
				wave = append(wave, &p.Steps[i])
				waveIdx = append(waveIdx, i)
			}
		}
		if len(wave) == 0 {
			// Cyclic remainder: append everything left, in plan order.
			for i := range p.Steps {
				if !placed[i] {
					wave = append(wave, &p.Steps[i])
				}
			}
			levels = append(levels, wave)
			break
		}
		for _, i := range waveIdx {
			placed[i] = true
			remaining--
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
		}
		levels = append(levels, wave)
	}
	return levels
}

// LinearOrder flattens the levels into a single mutation sequence respecting
// the same partial order.
func LinearOrder(p *plan.Plan) []*plan.PlanStep {
	var out []*plan.PlanStep
	for _, wave := range Levels(p) {
		out = append(out, wave...)
	}
	return out
}
