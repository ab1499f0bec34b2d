package eca

import (
	"context"
	"log/slog"

	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// finalizeFunc runs the completion logic for one action kind. It returns the
// produced artifact ID (empty when nothing was produced) and whether the
// action produced its intended effect.
type finalizeFunc func(ctx context.Context, r *run) (artifactID string, produced bool, err error)

// finalizeMatchTrigger completes a trigger-matching action. The match result
// was already recorded on the execution state; the action completes either
// way and produces no artifact of its own.
func (e *Engine) finalizeMatchTrigger(ctx context.Context, r *run) (string, bool, error) {
	e.logger.InfoContext(ctx, "trigger match evaluated",
		slog.Bool("matched", r.match.Matched),
		slog.Int("code_count", len(r.match.MatchedCodes)))
	return "", r.match.Matched, nil
}

// finalizeBuildReport assembles and persists a report artifact. A nil build
// result means the trigger no longer holds or there is no data to report:
// the action completes with the negative marker.
func (e *Engine) finalizeBuildReport(ctx context.Context, r *run) (string, bool, error) {
	art, err := e.builder.Build(ctx, r.sub, r.match, r.bundle)
	if err != nil {
		return "", false, err
	}
	if art == nil {
		return "", false, nil
	}
	art.ActionID = r.action.ID
	art.Kind = string(r.action.Kind)
	if err := e.store.CreateArtifact(ctx, art); err != nil {
		return "", false, schema.NewError(schema.ErrCodeStore, "persist artifact").
			WithAction(r.action.ID).WithCause(err)
	}
	return art.ID, true, nil
}

// finalizeValidate validates the subject's most recent artifact. With no
// artifact present, or a document that fails validation, the action completes
// negatively; the artifact status is only advanced on success.
func (e *Engine) finalizeValidate(ctx context.Context, r *run) (string, bool, error) {
	art, err := e.latestArtifact(ctx, r)
	if err != nil || art == nil {
		return "", false, err
	}
	if err := e.validator.Validate(art); err != nil {
		e.logger.WarnContext(ctx, "artifact failed validation",
			slog.String("artifact_id", art.ID),
			slog.String("error", err.Error()))
		return "", false, nil
	}
	if err := e.store.UpdateArtifactStatus(ctx, art.ID, store.ArtifactValidated); err != nil {
		return "", false, schema.NewError(schema.ErrCodeStore, "update artifact status").
			WithAction(r.action.ID).WithCause(err)
	}
	return art.ID, true, nil
}

// finalizeSubmit hands the subject's most recent artifact to the outbound
// channel and records the submission.
func (e *Engine) finalizeSubmit(ctx context.Context, r *run) (string, bool, error) {
	art, err := e.latestArtifact(ctx, r)
	if err != nil || art == nil {
		return "", false, err
	}
	if err := e.submitter.Submit(ctx, art); err != nil {
		return "", false, schema.NewError(schema.ErrCodeCollaborator, "submit artifact").
			WithAction(r.action.ID).WithCause(err)
	}
	if err := e.store.UpdateArtifactStatus(ctx, art.ID, store.ArtifactSubmitted); err != nil {
		return "", false, schema.NewError(schema.ErrCodeStore, "update artifact status").
			WithAction(r.action.ID).WithCause(err)
	}
	return art.ID, true, nil
}

// latestArtifact loads the subject's newest artifact. A missing artifact is
// not an error here; the caller completes negatively.
func (e *Engine) latestArtifact(ctx context.Context, r *run) (*store.Artifact, error) {
	art, err := e.store.LatestArtifact(ctx, r.sub.ID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			e.logger.InfoContext(ctx, "no artifact available for this subject")
			return nil, nil
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load latest artifact").
			WithAction(r.action.ID).WithCause(err)
	}
	return art, nil
}
