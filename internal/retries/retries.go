// Package retries decides whether a failed test gets another attempt, based
// on the flaky-test retry settings of the session.
package retries

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/span"
)

// Name identifies the subsystem in orchestrator results.
const Name = "flaky_test_retries"

// TagEnabled is set on the session once retries are configured.
const TagEnabled = "test.flaky_retries.enabled"

// Policy grants retries to failed tests within a per-test and a
// session-wide budget. The zero value retries nothing until configured.
type Policy struct {
	enabled atomic.Bool
	perTest atomic.Int64
	budget  atomic.Int64

	mu       sync.Mutex
	attempts map[string]int
}

// New creates a disabled policy.
func New() *Policy {
	return &Policy{attempts: make(map[string]int)}
}

// Name implements orchestrator.Subsystem.
func (p *Policy) Name() string { return Name }

// Configure implements orchestrator.Subsystem.
func (p *Policy) Configure(_ context.Context, settings *remote.Settings, session *span.Session) error {
	enabled := settings != nil && settings.FlakyTestRetriesEnabled &&
		settings.RetryCount > 0 && settings.RetryTotalLimit > 0
	if enabled {
		p.perTest.Store(int64(settings.RetryCount))
		p.budget.Store(int64(settings.RetryTotalLimit))
	}
	p.enabled.Store(enabled)

	if session != nil {
		session.SetTag(TagEnabled, strconv.FormatBool(enabled))
	}
	return nil
}

// Enabled reports whether retries are active.
func (p *Policy) Enabled() bool {
	return p.enabled.Load()
}

// ShouldRetry reports whether the failed test may run again, and if so
// consumes one retry from both budgets.
func (p *Policy) ShouldRetry(test *span.Test) bool {
	if test == nil || !p.enabled.Load() || test.Status() != span.StatusFail {
		return false
	}

	key := testKey(test)
	p.mu.Lock()
	defer p.mu.Unlock()

	if int64(p.attempts[key]) >= p.perTest.Load() {
		return false
	}
	if p.budget.Add(-1) < 0 {
		p.budget.Add(1)
		return false
	}
	p.attempts[key]++
	return true
}

// Attempts returns how many retries the test has been granted.
func (p *Policy) Attempts(test *span.Test) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[testKey(test)]
}

// Remaining returns the unused session-wide budget.
func (p *Policy) Remaining() int {
	return int(p.budget.Load())
}

func testKey(test *span.Test) string {
	suite, _ := test.Tag(span.TagSuite)
	return suite + "\x00" + test.Name()
}
