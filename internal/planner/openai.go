package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aide-dev/aide/internal/config"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// HTTPClient interface for HTTP requests (enables testing)
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// OpenAI plans through an OpenAI-compatible chat completions endpoint.
// The model is instructed to answer with a single JSON Action.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
}

var _ Planner = (*OpenAI)(nil)

// NewOpenAI builds a planner from environment configuration.
func NewOpenAI() *OpenAI {
	env := config.Env()
	return NewOpenAIWithClient(env.OpenAIKey, env.OpenAIBaseURL, env.Model, &http.Client{Timeout: Timeout})
}

// NewOpenAIWithClient builds a planner with an injected HTTP client.
func NewOpenAIWithClient(apiKey, baseURL, model string, client HTTPClient) *OpenAI {
	if baseURL == "" {
		baseURL = openaiAPIURL
	} else {
		baseURL = strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(baseURL, "/chat/completions") {
			if strings.HasSuffix(baseURL, "/v1") {
				baseURL += "/chat/completions"
			} else {
				baseURL += "/v1/chat/completions"
			}
		}
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  client,
	}
}

const systemPrompt = `You are the planning engine of a software development
assistant. Given the session transcript, the user's known preferences, and
the last command result, reply with exactly one JSON object of the form:
{"kind":"question","question":"..."} to ask for missing information,
{"kind":"plan","plan":{"summary":"...","steps":[{"id":"s1","title":"...","argv":["..."],"dir":"","timeout_ms":0}]}} to propose steps,
{"kind":"decision","decision":"continue|replan|review","summary":"..."} to react to a result.
Include "facts":[{"key":"...","value":"...","confidence":0.0}] when the
exchange reveals a durable user preference. Reply with JSON only.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (o *OpenAI) Next(ctx context.Context, in *Input) (*Action, error) {
	state, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	reqBody := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(state)},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: API error %d: %s", ErrUnavailable, resp.StatusCode, body)
	default:
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	return decodeAction(parsed.Choices[0].Message.Content)
}

func decodeAction(content string) (*Action, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in markdown fences despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var act Action
	if err := json.Unmarshal([]byte(content), &act); err != nil {
		return nil, fmt.Errorf("malformed action: %w", err)
	}

	switch act.Kind {
	case KindQuestion:
		if act.Question == "" {
			return nil, fmt.Errorf("question action without question")
		}
	case KindPlan:
		if act.Plan == nil || len(act.Plan.Steps) == 0 {
			return nil, fmt.Errorf("plan action without steps")
		}
		for i, st := range act.Plan.Steps {
			if st.ID == "" {
				act.Plan.Steps[i].ID = fmt.Sprintf("s%d", i+1)
			}
			if len(st.Argv) == 0 {
				return nil, fmt.Errorf("plan step %d without argv", i+1)
			}
		}
	case KindDecision:
		switch act.Decision {
		case DecisionContinue, DecisionReplan, DecisionReview:
		default:
			return nil, fmt.Errorf("unknown decision %q", act.Decision)
		}
	default:
		return nil, fmt.Errorf("unknown action kind %q", act.Kind)
	}
	return &act, nil
}
