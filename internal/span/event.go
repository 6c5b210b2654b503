package span

import "time"

// Common tag keys.
const (
	TagName         = "test.name"
	TagSuite        = "test.suite"
	TagErrorMessage = "error.message"
	TagIsRetry      = "test.is_retry"
	TagRetryCount   = "test.retry_count"
)

// Event is the record of a finished span, handed to the writer for
// delivery. Field names are stable; transports serialize them as JSON.
type Event struct {
	Type      Kind              `json:"type"`
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	ModuleID  string            `json:"module_id,omitempty"`
	SuiteID   string            `json:"suite_id,omitempty"`
	Name      string            `json:"name"`
	Service   string            `json:"service,omitempty"`
	Status    Status            `json:"status,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Start     time.Time         `json:"start"`
	Duration  time.Duration     `json:"duration"`
}
