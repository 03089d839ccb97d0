package aifix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scanforge/scanforge/internal/config"
)

const defaultRequestTimeout = 60 * time.Second

var (
	// ErrNotConfigured indicates no LLM API key was provided.
	ErrNotConfigured = errors.New("aifix: llm api key not configured")
	// ErrUpstream covers transport failures, non-2xx responses, and
	// malformed completions from the LLM backend.
	ErrUpstream = errors.New("aifix: upstream llm request failed")
)

// VulnerabilityRef is the slice of a finding the fix prompt needs.
type VulnerabilityRef struct {
	Line     int    `json:"line"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
}

// FixRequest asks for a corrected version of one file.
type FixRequest struct {
	FilePath        string             `json:"file_path"`
	Content         string             `json:"content"`
	Vulnerabilities []VulnerabilityRef `json:"vulnerabilities"`
}

// FixResponse carries the corrected file content.
type FixResponse struct {
	FixedContent string `json:"fixed_content"`
	FilePath     string `json:"file_path"`
}

// Client proxies fix requests to an OpenAI-style chat-completions backend.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientConfig describes how to construct a Client.
type ClientConfig struct {
	Config     config.AppConfig
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient constructs the LLM proxy client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     cfg.Config.LLMAPIKey,
		baseURL:    strings.TrimRight(cfg.Config.LLMBaseURL, "/"),
		model:      cfg.Config.LLMModel,
		httpClient: httpClient,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// SuggestFix sends the file and its findings to the LLM and returns the
// corrected content. The completion is post-processed to strip a wrapping
// code fence when the model adds one.
func (c *Client) SuggestFix(ctx context.Context, request FixRequest) (FixResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return FixResponse{}, ErrNotConfigured
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(request)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FixResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return FixResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return FixResponse{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		c.logger.Warn("llm backend returned error status", zap.Int("status", httpResponse.StatusCode))
		return FixResponse{}, fmt.Errorf("%w: status %d", ErrUpstream, httpResponse.StatusCode)
	}

	var completion chatResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&completion); err != nil {
		return FixResponse{}, fmt.Errorf("%w: decoding completion: %v", ErrUpstream, err)
	}
	if len(completion.Choices) == 0 {
		return FixResponse{}, fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	return FixResponse{
		FixedContent: stripCodeFence(completion.Choices[0].Message.Content),
		FilePath:     request.FilePath,
	}, nil
}

const systemPrompt = "You are a security engineer. You receive source files " +
	"with known vulnerabilities and return the full corrected file. Respond " +
	"with the corrected code only, no commentary."

func buildPrompt(request FixRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\nKnown vulnerabilities:\n", request.FilePath)
	for _, finding := range request.Vulnerabilities {
		fmt.Fprintf(&b, "- line %d [%s]: %s\n", finding.Line, finding.Severity, finding.Title)
	}
	b.WriteString("\nSource:\n")
	b.WriteString(request.Content)
	return b.String()
}

// stripCodeFence removes one wrapping markdown fence, with or without a
// language tag. Content without a fence passes through untouched.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	} else {
		trimmed = strings.TrimSpace(trimmed)
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
