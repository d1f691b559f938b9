package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// chatRequest is the OpenAI-compatible chat completion request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const annotatePrompt = `You are a risk analyst. Summarize the following risk candidate
in two sentences and suggest one remediation. Respond as JSON with keys
"summary" and "remediation".

Category: %s
Service: %s
Composite score: %.0f/100
Likelihood: %.0f/100
Impact: %.0f/100
Confidence: %.2f
Title: %s
Description: %s`

// OpenAIClient is an annotator backed by any OpenAI-compatible chat
// completion endpoint.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewOpenAIClient creates an OpenAI-compatible annotator. baseURL
// defaults to the OpenAI API when empty.
func NewOpenAIClient(apiKey, baseURL, modelName string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       modelName,
		maxTokens:   300,
		temperature: 0.2,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements Annotator.
func (c *OpenAIClient) Name() string { return "openai:" + c.model }

// Annotate implements Annotator.
func (c *OpenAIClient) Annotate(ctx context.Context, cand *model.Candidate) (model.Annotation, error) {
	prompt := fmt.Sprintf(annotatePrompt,
		cand.Category, cand.ServiceID, cand.Composite,
		cand.Likelihood, cand.Impact, cand.Confidence,
		cand.Title, cand.Description)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return model.Annotation{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return model.Annotation{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Annotation{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Annotation{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr chatError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return model.Annotation{}, fmt.Errorf("API error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return model.Annotation{}, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return model.Annotation{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return model.Annotation{}, fmt.Errorf("no choices in response")
	}

	content := parsed.Choices[0].Message.Content
	var structured struct {
		Summary     string `json:"summary"`
		Remediation string `json:"remediation"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil || structured.Summary == "" {
		// Model ignored the JSON instruction; keep the raw text.
		return model.Annotation{Summary: strings.TrimSpace(content)}, nil
	}
	return model.Annotation{Summary: structured.Summary, Remediation: structured.Remediation}, nil
}
