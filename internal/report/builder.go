package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emanders/ecrnow/internal/ehr"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// Builder assembles the report document for a subject. A nil artifact with a
// nil error signals that there is nothing to report (the condition no longer
// holds or no relevant data exists) — that is not a failure.
type Builder interface {
	Build(ctx context.Context, sub *store.Subject, match schema.TriggerMatch, bundle *ehr.Bundle) (*store.Artifact, error)
}

// Document is the assembled report envelope persisted as artifact content.
// The clinical document's internal format is out of scope here; the envelope
// carries enough structure for validation and audit.
type Document struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	PatientID    string    `json:"patient_id"`
	EncounterID  string    `json:"encounter_id,omitempty"`
	MatchedCodes []string  `json:"matched_codes"`
	Sections     []Section `json:"sections"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Section summarizes one resource type included in the document.
type Section struct {
	ResourceType string           `json:"resource_type"`
	Count        int              `json:"count"`
	Entries      []map[string]any `json:"entries,omitempty"`
}

// EicrBuilder is the default Builder implementation.
type EicrBuilder struct {
	logger *slog.Logger
}

// NewEicrBuilder creates an EicrBuilder.
func NewEicrBuilder(logger *slog.Logger) *EicrBuilder {
	return &EicrBuilder{logger: logger}
}

// Build assembles an artifact from the fetched data. Returns a nil artifact
// when the trigger no longer matches or the bundle is empty.
func (b *EicrBuilder) Build(ctx context.Context, sub *store.Subject, match schema.TriggerMatch, bundle *ehr.Bundle) (*store.Artifact, error) {
	if !match.Matched {
		b.logger.InfoContext(ctx, "trigger no longer matches, not building report")
		return nil, nil
	}
	if bundle == nil || bundle.Empty() {
		b.logger.InfoContext(ctx, "no clinical data available, not building report")
		return nil, nil
	}

	doc := Document{
		ID:           uuid.New().String(),
		SubjectID:    sub.ID,
		PatientID:    sub.PatientID,
		EncounterID:  sub.EncounterID,
		MatchedCodes: match.MatchedCodes,
		GeneratedAt:  time.Now().UTC(),
	}

	types := make([]string, 0, len(bundle.Resources))
	for typ := range bundle.Resources {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		entries := bundle.Resources[typ]
		if len(entries) == 0 {
			continue
		}
		doc.Sections = append(doc.Sections, Section{
			ResourceType: typ,
			Count:        len(entries),
			Entries:      entries,
		})
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCollaborator, "marshal report document").WithCause(err)
	}

	return &store.Artifact{
		ID:        doc.ID,
		SubjectID: sub.ID,
		Content:   content,
		Status:    store.ArtifactCreated,
	}, nil
}
