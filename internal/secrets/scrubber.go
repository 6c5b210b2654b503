package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is a detected secret. The secret itself is never exposed.
type Finding struct {
	RuleID string
	Line   int
	secret string
}

// Result is the outcome of scanning one value.
type Result struct {
	Text     string
	Findings []Finding
	ByRule   map[string]int
}

// Scrubber redacts secrets. The underlying detector is built once; calls
// are serialized because the detector is not safe for concurrent use.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a scrubber with the Gitleaks default rules plus allow.
func New(allow *Allowlist) (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	if allow != nil {
		if err := applyAllowlist(&detector.Config, allow); err != nil {
			return nil, err
		}
	}
	initMetrics()
	return &Scrubber{detector: detector}, nil
}

// Scan detects and redacts secrets in content.
func (s *Scrubber) Scan(content string) Result {
	res := Result{Text: content, ByRule: map[string]int{}}
	if content == "" {
		return res
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		res.Findings = append(res.Findings, Finding{RuleID: f.RuleID, Line: f.StartLine, secret: f.Secret})
		res.ByRule[f.RuleID]++
		redactions.WithLabelValues(f.RuleID).Inc()
	}
	res.Text = replaceSecrets(content, res.Findings)
	return res
}

// Redact returns content with every detected secret replaced by a
// [REDACTED:rule-id] marker.
func (s *Scrubber) Redact(content string) string {
	return s.Scan(content).Text
}

// replaceSecrets substitutes longer secrets first so a secret that
// contains another is not split.
func replaceSecrets(content string, findings []Finding) string {
	if len(findings) == 0 {
		return content
	}
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].secret) > len(sorted[j].secret)
	})

	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

func applyAllowlist(cfg *gitleaksconfig.Config, allow *Allowlist) error {
	entry := &gitleaksconfig.Allowlist{
		Description: "testvis allowlist",
		StopWords:   allow.StopWords,
	}
	for _, pattern := range allow.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}
