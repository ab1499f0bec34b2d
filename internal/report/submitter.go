package report

import (
	"context"
	"log/slog"

	"github.com/emanders/ecrnow/internal/store"
)

// Submitter hands a finished artifact to the outbound reporting channel.
// Transport and authentication live behind this interface, outside the engine.
type Submitter interface {
	Submit(ctx context.Context, art *store.Artifact) error
}

// LogSubmitter records submissions without an outbound channel configured.
type LogSubmitter struct {
	logger *slog.Logger
}

// NewLogSubmitter creates a LogSubmitter.
func NewLogSubmitter(logger *slog.Logger) *LogSubmitter {
	return &LogSubmitter{logger: logger}
}

// Submit logs the submission.
func (s *LogSubmitter) Submit(ctx context.Context, art *store.Artifact) error {
	s.logger.InfoContext(ctx, "artifact ready for submission",
		slog.String("artifact_id", art.ID),
		slog.Int("content_bytes", len(art.Content)),
	)
	return nil
}
