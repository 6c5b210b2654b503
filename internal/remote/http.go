package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/testvis/internal/config"
)

// SettingsPath is appended to the endpoint for settings requests.
const SettingsPath = "/api/v2/libraries/tests/services/setting"

const maxResponseSize = 1 << 20

// HTTPFetcher posts a Request to the backend and decodes its Settings.
type HTTPFetcher struct {
	endpoint string
	apiKey   config.Secret
	client   *http.Client
}

// NewHTTPFetcher creates a fetcher for endpoint. A nil client uses one with
// a 10s timeout.
func NewHTTPFetcher(endpoint string, apiKey config.Secret, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{endpoint: endpoint, apiKey: apiKey, client: client}
}

type settingsEnvelope struct {
	Data struct {
		Type       string   `json:"type"`
		Attributes Settings `json:"attributes"`
	} `json:"data"`
}

type requestEnvelope struct {
	Data struct {
		Type       string  `json:"type"`
		Attributes Request `json:"attributes"`
	} `json:"data"`
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Settings, error) {
	var env requestEnvelope
	env.Data.Type = "ci_app_test_service_libraries_settings"
	env.Data.Attributes = req

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+SettingsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey.IsSet() {
		httpReq.Header.Set("X-API-Key", f.apiKey.Value())
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settings request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("settings request returned %d: %s", resp.StatusCode, string(data))
	}

	var out settingsEnvelope
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &out.Data.Attributes, nil
}
