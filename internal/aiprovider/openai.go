package aiprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	openAIProviderName   = "openai"
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAITimeout        = 60 * time.Second
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint and
// implements both TextCompleter and VisionCompleter.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a compatible non-default endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(client *OpenAIClient) {
		if baseURL != "" {
			client.baseURL = baseURL
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client, used by tests.
func WithHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(client *OpenAIClient) {
		if httpClient != nil {
			client.client = httpClient
		}
	}
}

// NewOpenAIClient wires a chat completions client.
func NewOpenAIClient(apiKey string, options ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for the %s provider", openAIProviderName)
	}
	client := &OpenAIClient{
		apiKey:  apiKey,
		baseURL: openAIDefaultBaseURL,
		client: &http.Client{
			Timeout: openAITimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Complete performs a single prompt/completion round trip.
func (client *OpenAIClient) Complete(ctx context.Context, request TextRequest) (TextResult, error) {
	messages := []map[string]any{}
	if request.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": request.SystemPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": request.UserPrompt})
	return client.chat(ctx, request.Model, messages, request.Parameters)
}

// CompleteWithImage performs a completion with one input image attached as a
// data URL content part.
func (client *OpenAIClient) CompleteWithImage(ctx context.Context, request VisionRequest) (TextResult, error) {
	if len(request.ImageBytes) == 0 {
		return TextResult{}, ErrMissingInputImage
	}
	mediaType := request.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(request.ImageBytes))
	messages := []map[string]any{}
	if request.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": request.SystemPrompt})
	}
	messages = append(messages, map[string]any{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": request.UserPrompt},
			{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
		},
	})
	return client.chat(ctx, request.Model, messages, request.Parameters)
}

func (client *OpenAIClient) chat(ctx context.Context, model string, messages []map[string]any, parameters map[string]any) (TextResult, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	for name, value := range parameters {
		payload[name] = value
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TextResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return TextResult{}, fmt.Errorf("build chat request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	httpResponse, err := client.client.Do(httpRequest)
	if err != nil {
		return TextResult{}, &ProviderError{Provider: openAIProviderName, Message: "chat request failed", Err: err}
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return TextResult{}, &ProviderError{Provider: openAIProviderName, Message: "read chat response", Err: err}
	}
	if httpResponse.StatusCode != http.StatusOK {
		return TextResult{}, &ProviderError{
			Provider:   openAIProviderName,
			StatusCode: httpResponse.StatusCode,
			Message:    fmt.Sprintf("chat completion status %d: %s", httpResponse.StatusCode, truncate(responseBody, 256)),
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return TextResult{}, &ProviderError{Provider: openAIProviderName, Message: "malformed chat response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return TextResult{}, &ProviderError{Provider: openAIProviderName, Message: "chat response contains no choices"}
	}
	return TextResult{
		Text:       parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
