// Package remote fetches the library settings that decide which optional
// subsystems a test session enables.
package remote

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/logging"
)

// Settings are the per-repository switches returned by the backend.
type Settings struct {
	ITREnabled                 bool `json:"itr_enabled"`
	CodeCoverage               bool `json:"code_coverage"`
	TestsSkipping              bool `json:"tests_skipping"`
	FlakyTestRetriesEnabled    bool `json:"flaky_test_retries_enabled"`
	EarlyFlakeDetectionEnabled bool `json:"early_flake_detection_enabled"`
	KnownTestsEnabled          bool `json:"known_tests_enabled"`

	// RetryCount is the number of extra attempts for one failing test.
	RetryCount int `json:"retry_count"`
	// RetryTotalLimit caps retries across the whole session.
	RetryTotalLimit int `json:"retry_total_limit"`
}

// Defaults returns the settings used when the backend cannot be reached:
// every optional subsystem off.
func Defaults() *Settings {
	return &Settings{
		RetryCount:      5,
		RetryTotalLimit: 1000,
	}
}

// Request identifies the repository and commit the settings apply to.
type Request struct {
	Service    string            `json:"service"`
	Env        string            `json:"env"`
	Repository string            `json:"repository_url"`
	Branch     string            `json:"branch"`
	SHA        string            `json:"sha"`
	Tags       map[string]string `json:"configurations,omitempty"`
}

// Fetcher retrieves settings for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Settings, error)
}

// StaticFetcher always returns the same settings.
type StaticFetcher struct {
	Settings *Settings
}

// Fetch implements Fetcher.
func (f StaticFetcher) Fetch(context.Context, Request) (*Settings, error) {
	if f.Settings == nil {
		return Defaults(), nil
	}
	s := *f.Settings
	return &s, nil
}

// FetchWithin asks fetcher for settings but gives up after deadline. Any
// failure, including a timeout, yields Defaults so the session proceeds.
func FetchWithin(ctx context.Context, fetcher Fetcher, req Request, deadline time.Duration, logger *logging.Logger) *Settings {
	logger = logging.OrNop(logger)
	if fetcher == nil {
		return Defaults()
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	type result struct {
		settings *Settings
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := fetcher.Fetch(ctx, req)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil || r.settings == nil {
			logger.Warn(ctx, "library settings unavailable, using defaults", zap.Error(r.err))
			return Defaults()
		}
		logger.Debug(ctx, "library settings fetched",
			zap.Bool("itr_enabled", r.settings.ITREnabled),
			zap.Bool("flaky_test_retries_enabled", r.settings.FlakyTestRetriesEnabled))
		return r.settings
	case <-ctx.Done():
		logger.Warn(ctx, "library settings request timed out, using defaults",
			zap.Duration("deadline", deadline))
		return Defaults()
	}
}
