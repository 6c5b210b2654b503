package gitmeta

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/async"
	"github.com/fyrsmithlabs/testvis/internal/logging"
)

// Uploader sends commit history to the backend.
type Uploader interface {
	UploadCommits(ctx context.Context, repositoryURL string, shas []string) error
}

// UploadFunc adapts a function to Uploader.
type UploadFunc func(ctx context.Context, repositoryURL string, shas []string) error

// UploadCommits implements Uploader.
func (f UploadFunc) UploadCommits(ctx context.Context, repositoryURL string, shas []string) error {
	return f(ctx, repositoryURL, shas)
}

// UploadTask returns an unstarted task that uploads up to limit recent
// commits of the repository at path. Failures are logged; the task body
// never panics on a missing repository.
func UploadTask(ctx context.Context, path string, limit int, up Uploader, logger *logging.Logger) *async.Task {
	logger = logging.OrNop(logger).Named("gitmeta")

	return async.New("git-upload", func() {
		start := time.Now()

		meta, err := Collect(path)
		if err != nil {
			logger.Warn(ctx, "skipping commit upload", zap.Error(err))
			return
		}
		shas, err := RecentCommits(path, limit)
		if err != nil {
			logger.Warn(ctx, "skipping commit upload", zap.Error(err))
			return
		}
		if err := up.UploadCommits(ctx, meta.RepositoryURL, shas); err != nil {
			logger.Error(ctx, "commit upload failed",
				zap.String("repository", meta.RepositoryURL),
				zap.Error(err))
			return
		}
		logger.Info(ctx, "commits uploaded",
			zap.Int("count", len(shas)),
			zap.Duration("elapsed", time.Since(start)))
	}, async.WithLogger(logger))
}
