package trigger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/pkg/schema"
)

// codingQuery extracts every "system|code" pair from arbitrary FHIR JSON.
// Codings appear at unpredictable depths (Condition.code, Observation.code,
// components, reasons), so the probe walks the whole document.
const codingQuery = `[.resources | .. | objects | select((.system? | type == "string") and (.code? | type == "string")) | .system + "|" + .code]`

// Matcher evaluates fetched clinical data against reportable-condition
// trigger code sets.
type Matcher struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(logger *slog.Logger) *Matcher {
	return &Matcher{jq: expressions.NewGoJQEngine(), logger: logger}
}

// Match intersects the codings present in the fetched resources with the
// configured trigger codes and returns the resulting TriggerMatch. Value set
// entries are either full "system|code" pairs or bare codes; bare codes match
// any system. The result replaces any previous match outcome wholesale.
func (m *Matcher) Match(ctx context.Context, triggerCodes []string, resources map[string]any) (schema.TriggerMatch, error) {
	var match schema.TriggerMatch
	if len(triggerCodes) == 0 || len(resources) == 0 {
		match.SetCodes(false, nil)
		return match, nil
	}

	out, err := m.jq.Evaluate(ctx, codingQuery, map[string]any{"resources": resources})
	if err != nil {
		return match, schema.NewError(schema.ErrCodeCollaborator, "extract codings from resources").WithCause(err)
	}

	present := make(map[string]bool)
	bareCodes := make(map[string]bool)
	if items, ok := out.([]any); ok {
		for _, it := range items {
			pair, ok := it.(string)
			if !ok {
				continue
			}
			present[pair] = true
			if i := strings.IndexByte(pair, '|'); i >= 0 {
				bareCodes[pair[i+1:]] = true
			}
		}
	}

	var matched []string
	for _, tc := range triggerCodes {
		if present[tc] {
			matched = append(matched, tc)
			continue
		}
		if !strings.Contains(tc, "|") && bareCodes[tc] {
			matched = append(matched, tc)
		}
	}

	match.SetCodes(len(matched) > 0, matched)
	m.logger.DebugContext(ctx, "trigger match evaluated",
		slog.Bool("matched", match.Matched),
		slog.Int("matched_codes", len(match.MatchedCodes)),
	)
	return match, nil
}
