package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// HTTPPostureProvider queries the external controls-posture service.
type HTTPPostureProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPostureProvider creates a provider against the collaborator's
// base URL.
func NewHTTPPostureProvider(baseURL string) *HTTPPostureProvider {
	return &HTTPPostureProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: postureTimeout},
	}
}

// Fetch implements PostureProvider.
func (p *HTTPPostureProvider) Fetch(ctx context.Context, serviceID string) (*model.ControlsPosture, error) {
	url := fmt.Sprintf("%s/postures/%s", p.baseURL, serviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create posture request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: posture fetch: %v", model.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("posture for %s: %w", serviceID, model.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: posture service returned %d", model.ErrDependencyUnavailable, resp.StatusCode)
	}

	var posture model.ControlsPosture
	if err := json.NewDecoder(resp.Body).Decode(&posture); err != nil {
		return nil, fmt.Errorf("failed to decode posture: %w", err)
	}
	if posture.AsOf.IsZero() {
		posture.AsOf = time.Now().UTC()
	}
	posture.ServiceID = serviceID
	return &posture, nil
}
