package plan

import (
	"os"
	"sort"

	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/pkg/schema"
)

// Registry is the process-wide, read-only set of configured actions for one
// reporting plan. Built once at startup, never mutated at runtime, safe to
// share across all invocations.
type Registry struct {
	plan    *schema.ReportingPlan
	byID    map[string]*schema.ActionDefinition
	ordered []string
}

// Load reads, validates and indexes a reporting plan from a JSON file.
func Load(path string, evaluator *expressions.Evaluator) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read plan %q: %s", path, err.Error()).WithCause(err)
	}
	return Parse(raw, evaluator)
}

// Parse validates and indexes a reporting plan from raw JSON.
// Validation runs in three passes: JSON Schema structure, per-action
// semantics, then graph analysis over AFTER edges.
func Parse(raw []byte, evaluator *expressions.Evaluator) (*Registry, error) {
	compiled, err := compilePlanSchema()
	if err != nil {
		return nil, err
	}
	if err := validateStructure(compiled, raw); err != nil {
		return nil, err
	}

	p, err := decodePlan(raw)
	if err != nil {
		return nil, err
	}

	result := validateSemantic(p, evaluator)
	result.Merge(validateGraph(p))
	if err := result.ToError(); err != nil {
		return nil, err
	}

	return newRegistry(p), nil
}

func newRegistry(p *schema.ReportingPlan) *Registry {
	r := &Registry{
		plan: p,
		byID: make(map[string]*schema.ActionDefinition, len(p.Actions)),
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		r.byID[a.ID] = a
		r.ordered = append(r.ordered, a.ID)
	}
	return r
}

// Plan returns the underlying reporting plan.
func (r *Registry) Plan() *schema.ReportingPlan {
	return r.plan
}

// Get retrieves an action definition by ID.
func (r *Registry) Get(actionID string) (*schema.ActionDefinition, error) {
	a, ok := r.byID[actionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not in plan %q", actionID, r.plan.Name)
	}
	return a, nil
}

// ByKind returns all actions of the given kind, in configuration order.
func (r *Registry) ByKind(kind schema.ActionKind) []*schema.ActionDefinition {
	var out []*schema.ActionDefinition
	for _, id := range r.ordered {
		if a := r.byID[id]; a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// All returns every action ID in configuration order.
func (r *Registry) All() []string {
	return append([]string(nil), r.ordered...)
}

// TriggerCodes resolves the trigger codes an action matches against: the
// union of its configured value sets, or of every value set in the plan when
// the action names none.
func (r *Registry) TriggerCodes(a *schema.ActionDefinition) []string {
	sets := a.TriggerCodeSets
	if len(sets) == 0 {
		sets = make([]string, 0, len(r.plan.ValueSets))
		for id := range r.plan.ValueSets {
			sets = append(sets, id)
		}
	}
	seen := make(map[string]bool)
	var codes []string
	for _, set := range sets {
		for _, c := range r.plan.ValueSets[set] {
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)
	return codes
}

// ValueSet returns the codes of a configured value set, sorted.
func (r *Registry) ValueSet(id string) []string {
	codes := append([]string(nil), r.plan.ValueSets[id]...)
	sort.Strings(codes)
	return codes
}
