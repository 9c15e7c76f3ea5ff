package aiprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSendsAuthorizedChatRequest(test *testing.T) {
	test.Parallel()
	var captured map[string]any
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		authHeader = request.Header.Get("Authorization")
		require.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		json.NewEncoder(writer).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello back"}},
			},
			"usage": map[string]any{"total_tokens": 21},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIClient("secret-key", WithBaseURL(server.URL))
	require.NoError(test, err)

	result, err := client.Complete(context.Background(), TextRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
		UserPrompt:   "hello",
		Parameters:   map[string]any{"temperature": 0.2},
	})
	require.NoError(test, err)

	assert.Equal(test, "hello back", result.Text)
	assert.Equal(test, int64(21), result.TokensUsed)
	assert.Equal(test, "Bearer secret-key", authHeader)
	assert.Equal(test, "gpt-4o-mini", captured["model"])
	assert.Equal(test, 0.2, captured["temperature"])

	messages := captured["messages"].([]any)
	require.Len(test, messages, 2)
	assert.Equal(test, "system", messages[0].(map[string]any)["role"])
	assert.Equal(test, "hello", messages[1].(map[string]any)["content"])
}

func TestCompleteReportsUpstreamStatus(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusTooManyRequests)
		writer.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient("secret-key", WithBaseURL(server.URL))
	require.NoError(test, err)

	_, err = client.Complete(context.Background(), TextRequest{Model: "gpt-4o-mini", UserPrompt: "hello"})
	require.Error(test, err)

	providerError, ok := AsProviderError(err)
	require.True(test, ok)
	assert.Equal(test, http.StatusTooManyRequests, providerError.StatusCode)
	assert.Contains(test, providerError.Message, "rate limited")
}

func TestCompleteWithImageAttachesDataURL(test *testing.T) {
	test.Parallel()
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		json.NewEncoder(writer).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "a dog"}},
			},
			"usage": map[string]any{"total_tokens": 8},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIClient("secret-key", WithBaseURL(server.URL))
	require.NoError(test, err)

	imageBytes := []byte{0xFF, 0xD8, 0xFF}
	result, err := client.CompleteWithImage(context.Background(), VisionRequest{
		TextRequest: TextRequest{Model: "gpt-4-vision-preview", UserPrompt: "what is this"},
		ImageBytes:  imageBytes,
		MediaType:   "image/jpeg",
	})
	require.NoError(test, err)
	assert.Equal(test, "a dog", result.Text)

	messages := captured["messages"].([]any)
	require.Len(test, messages, 1)
	parts := messages[0].(map[string]any)["content"].([]any)
	require.Len(test, parts, 2)
	imagePart := parts[1].(map[string]any)
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	assert.True(test, strings.HasPrefix(url, "data:image/jpeg;base64,"))
	assert.Contains(test, url, base64.StdEncoding.EncodeToString(imageBytes))
}

func TestCompleteWithImageRejectsEmptyImage(test *testing.T) {
	test.Parallel()
	client, err := NewOpenAIClient("secret-key")
	require.NoError(test, err)

	_, err = client.CompleteWithImage(context.Background(), VisionRequest{
		TextRequest: TextRequest{Model: "gpt-4-vision-preview", UserPrompt: "what is this"},
	})
	require.ErrorIs(test, err, ErrMissingInputImage)
}

func TestNewOpenAIClientRequiresKey(test *testing.T) {
	test.Parallel()
	_, err := NewOpenAIClient("")
	require.Error(test, err)
}

func TestImageGenerateDecodesPayload(test *testing.T) {
	test.Parallel()
	pixels := []byte{0x89, 0x50, 0x4E, 0x47}
	var capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		capturedPath = request.URL.Path
		json.NewEncoder(writer).Encode(map[string]any{
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(pixels)},
			},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIImageClient("secret-key", WithBaseURL(server.URL))
	require.NoError(test, err)

	result, err := client.Generate(context.Background(), ImageRequest{Model: "dall-e-3", Prompt: "a fox"})
	require.NoError(test, err)
	assert.Equal(test, pixels, result.Bytes)
	assert.Equal(test, "image/png", result.MediaType)
	assert.Equal(test, "/images/generations", capturedPath)
}

func TestImageEditUploadsMultipartSources(test *testing.T) {
	test.Parallel()
	pixels := []byte{0x89, 0x50}
	var capturedContentType string
	var capturedImageCount int
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		capturedContentType = request.Header.Get("Content-Type")
		require.NoError(test, request.ParseMultipartForm(1<<20))
		capturedImageCount = len(request.MultipartForm.File["image[]"])
		json.NewEncoder(writer).Encode(map[string]any{
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(pixels)},
			},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIImageClient("secret-key", WithBaseURL(server.URL))
	require.NoError(test, err)

	result, err := client.Edit(context.Background(), ImageRequest{
		Model:  "gpt-image-1",
		Prompt: "make it sepia",
		Images: [][]byte{{1, 2, 3}},
	})
	require.NoError(test, err)
	assert.Equal(test, pixels, result.Bytes)
	assert.True(test, strings.HasPrefix(capturedContentType, "multipart/form-data"))
	assert.Equal(test, 1, capturedImageCount)
}

func TestImageArityValidation(test *testing.T) {
	test.Parallel()
	client, err := NewOpenAIImageClient("secret-key")
	require.NoError(test, err)

	_, err = client.Edit(context.Background(), ImageRequest{Model: "gpt-image-1", Prompt: "x"})
	require.Error(test, err)

	_, err = client.Merge(context.Background(), ImageRequest{Model: "gpt-image-1", Prompt: "x", Images: [][]byte{{1}}})
	require.Error(test, err)
}
