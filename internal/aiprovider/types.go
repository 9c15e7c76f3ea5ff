// Package aiprovider dispatches rendered prompts to the provider modality a
// template declares: plain text completion, vision-augmented completion, or
// image generation. Each capability carries its own typed request and
// response shape.
package aiprovider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fortuna-labs/creditgate/internal/prompt"
)

// TextRequest is a single prompt/completion round trip.
type TextRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Parameters   map[string]any
}

// TextResult is the normalized completion payload.
type TextResult struct {
	Text       string
	TokensUsed int64
}

// VisionRequest is a text completion with one input image attached.
type VisionRequest struct {
	TextRequest
	ImageBytes []byte
	MediaType  string
}

// ImageRequest carries the prompt and source images for image-mode dispatch.
type ImageRequest struct {
	Model  string
	Prompt string
	Images [][]byte
}

// ImageResult is a single output image payload.
type ImageResult struct {
	Bytes     []byte
	MediaType string
}

// TextCompleter performs plain text completions.
type TextCompleter interface {
	Complete(ctx context.Context, request TextRequest) (TextResult, error)
}

// VisionCompleter performs completions with one attached image.
type VisionCompleter interface {
	CompleteWithImage(ctx context.Context, request VisionRequest) (TextResult, error)
}

// ImageGenerator covers the three image sub-behaviors selected by input
// arity: generate from text only, edit one source image, or merge several.
type ImageGenerator interface {
	Generate(ctx context.Context, request ImageRequest) (ImageResult, error)
	Edit(ctx context.Context, request ImageRequest) (ImageResult, error)
	Merge(ctx context.Context, request ImageRequest) (ImageResult, error)
}

// Result is the normalized outcome of one orchestrated invocation.
type Result struct {
	TemplateID  string
	ServiceType string
	Capability  prompt.Capability
	Text        string
	JSON        json.RawMessage
	ImageBytes  []byte
	MediaType   string
	TokensUsed  int64
	Duration    time.Duration
}
