package plan

import (
	"context"
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic performs per-action analysis the JSON Schema cannot express:
// unique IDs, valid references, parseable durations and cron expressions,
// known value sets, and compilable condition expressions.
func validateSemantic(p *schema.ReportingPlan, evaluator *expressions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(p.Actions))
	for i, a := range p.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if ids[a.ID] {
			result.Addf(path+".id", schema.ErrCodeValidation, "duplicate action id %q", a.ID)
		}
		ids[a.ID] = true
		if !schema.KnownActionKinds[a.Kind] {
			result.Addf(path+".kind", schema.ErrCodeValidation, "unknown action kind %q", a.Kind)
		}
	}

	for i := range p.Actions {
		a := &p.Actions[i]
		path := fmt.Sprintf("actions[%d]", i)

		for j, r := range a.RelatedActions {
			rpath := fmt.Sprintf("%s.related_actions[%d]", path, j)
			if r.ActionID == a.ID {
				result.Addf(rpath, schema.ErrCodeValidation, "action %q references itself", a.ID)
			} else if !ids[r.ActionID] {
				result.Addf(rpath, schema.ErrCodeValidation, "references non-existent action %q", r.ActionID)
			}
			if _, err := r.OffsetDuration(); err != nil {
				result.Add(rpath+".offset", schema.ErrCodeValidation, err.Error())
			}
		}

		for j, ts := range a.TimingSchedules {
			tpath := fmt.Sprintf("%s.timing_schedules[%d]", path, j)
			if ts.Delay == "" && ts.Cron == "" {
				result.Add(tpath, schema.ErrCodeValidation, "timing schedule needs a delay or a cron expression")
			}
			if _, err := ts.DelayDuration(); err != nil {
				result.Add(tpath+".delay", schema.ErrCodeValidation, err.Error())
			}
			if ts.Cron != "" {
				if _, err := cronParser.Parse(ts.Cron); err != nil {
					result.Addf(tpath+".cron", schema.ErrCodeValidation, "invalid cron expression %q: %s", ts.Cron, err)
				}
			}
		}

		for j, set := range a.TriggerCodeSets {
			if _, ok := p.ValueSets[set]; !ok {
				result.Addf(fmt.Sprintf("%s.trigger_code_sets[%d]", path, j),
					schema.ErrCodeValidation, "references unknown value set %q", set)
			}
		}

		if evaluator != nil {
			for j, cond := range a.Conditions {
				if err := evaluator.Compiles(context.Background(), cond); err != nil {
					result.Add(fmt.Sprintf("%s.conditions[%d]", path, j), schema.ErrCodeValidation, err.Error())
				}
			}
		}
	}

	return result
}

// validateGraph runs Kahn's algorithm over the AFTER edges to detect
// dependency cycles. BEFORE edges are informational and never gate execution,
// so they are excluded from the analysis.
func validateGraph(p *schema.ReportingPlan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		ids[a.ID] = true
	}

	// edges[id] = AFTER dependencies of id, reverse[id] = dependents of id.
	edges := make(map[string][]string, len(p.Actions))
	reverse := make(map[string][]string, len(p.Actions))
	for _, a := range p.Actions {
		seen := make(map[string]bool)
		for _, r := range a.After() {
			if !ids[r.ActionID] || r.ActionID == a.ID || seen[r.ActionID] {
				continue // invalid refs already caught by semantic pass
			}
			seen[r.ActionID] = true
			edges[a.ID] = append(edges[a.ID], r.ActionID)
			reverse[r.ActionID] = append(reverse[r.ActionID], a.ID)
		}
	}

	inDegree := make(map[string]int, len(ids))
	for id := range ids {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(ids))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(ids) {
		result.Add("actions", schema.ErrCodeCycleDetected, "reporting plan contains a dependency cycle")
	}
	return result
}
