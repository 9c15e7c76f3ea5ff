package aiprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	imageProviderName   = "openai-images"
	imageDefaultTimeout = 120 * time.Second
	outputMediaTypePNG  = "image/png"
)

// OpenAIImageClient implements ImageGenerator against an OpenAI-compatible
// images endpoint. Generation uses the JSON endpoint; edit and merge upload
// the source images as multipart form data.
type OpenAIImageClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIImageClient wires an image generation client.
func NewOpenAIImageClient(apiKey string, options ...OpenAIOption) (*OpenAIImageClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for the %s provider", imageProviderName)
	}
	chatClient := &OpenAIClient{
		apiKey:  apiKey,
		baseURL: openAIDefaultBaseURL,
		client:  &http.Client{Timeout: imageDefaultTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(chatClient)
		}
	}
	return &OpenAIImageClient{apiKey: chatClient.apiKey, baseURL: chatClient.baseURL, client: chatClient.client}, nil
}

// Generate produces an image from text only.
func (client *OpenAIImageClient) Generate(ctx context.Context, request ImageRequest) (ImageResult, error) {
	payload := map[string]any{
		"model":           request.Model,
		"prompt":          request.Prompt,
		"response_format": "b64_json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ImageResult{}, fmt.Errorf("marshal image request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return ImageResult{}, fmt.Errorf("build image request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	return client.send(httpRequest)
}

// Edit transforms one source image per the prompt.
func (client *OpenAIImageClient) Edit(ctx context.Context, request ImageRequest) (ImageResult, error) {
	if len(request.Images) != 1 {
		return ImageResult{}, fmt.Errorf("edit requires exactly one source image, got %d", len(request.Images))
	}
	return client.upload(ctx, request)
}

// Merge combines all source images per the prompt.
func (client *OpenAIImageClient) Merge(ctx context.Context, request ImageRequest) (ImageResult, error) {
	if len(request.Images) < 2 {
		return ImageResult{}, fmt.Errorf("merge requires at least two source images, got %d", len(request.Images))
	}
	return client.upload(ctx, request)
}

func (client *OpenAIImageClient) upload(ctx context.Context, request ImageRequest) (ImageResult, error) {
	var formBody bytes.Buffer
	writer := multipart.NewWriter(&formBody)
	if err := writer.WriteField("model", request.Model); err != nil {
		return ImageResult{}, fmt.Errorf("write form field: %w", err)
	}
	if err := writer.WriteField("prompt", request.Prompt); err != nil {
		return ImageResult{}, fmt.Errorf("write form field: %w", err)
	}
	for index, image := range request.Images {
		part, err := writer.CreateFormFile("image[]", fmt.Sprintf("source-%d.png", index))
		if err != nil {
			return ImageResult{}, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(image); err != nil {
			return ImageResult{}, fmt.Errorf("write form file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return ImageResult{}, fmt.Errorf("close form: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/images/edits", &formBody)
	if err != nil {
		return ImageResult{}, fmt.Errorf("build image edit request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", writer.FormDataContentType())
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	return client.send(httpRequest)
}

func (client *OpenAIImageClient) send(httpRequest *http.Request) (ImageResult, error) {
	httpResponse, err := client.client.Do(httpRequest)
	if err != nil {
		return ImageResult{}, &ProviderError{Provider: imageProviderName, Message: "image request failed", Err: err}
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return ImageResult{}, &ProviderError{Provider: imageProviderName, Message: "read image response", Err: err}
	}
	if httpResponse.StatusCode != http.StatusOK {
		return ImageResult{}, &ProviderError{
			Provider:   imageProviderName,
			StatusCode: httpResponse.StatusCode,
			Message:    fmt.Sprintf("image endpoint status %d: %s", httpResponse.StatusCode, truncate(responseBody, 256)),
		}
	}

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return ImageResult{}, &ProviderError{Provider: imageProviderName, Message: "malformed image response", Err: err}
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return ImageResult{}, &ProviderError{Provider: imageProviderName, Message: "image response contains no data"}
	}
	decoded, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return ImageResult{}, &ProviderError{Provider: imageProviderName, Message: "decode image payload", Err: err}
	}
	return ImageResult{Bytes: decoded, MediaType: outputMediaTypePNG}, nil
}
