package aiprovider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/internal/prompt"
)

// Media is one uploaded input image on an invocation.
type Media struct {
	Bytes     []byte
	MediaType string
}

// Orchestrator executes one AI invocation end to end: resolve the template
// for a service type, validate the uploaded media against the template's
// capability, render, dispatch to the matching provider, and fold the usage
// back into the template's aggregates.
type Orchestrator struct {
	engine *prompt.Engine
	text   TextCompleter
	vision VisionCompleter
	images ImageGenerator
	logger *zap.Logger
	nowFn  func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithVisionCompleter wires the vision provider.
func WithVisionCompleter(vision VisionCompleter) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.vision = vision
	}
}

// WithImageGenerator wires the image provider.
func WithImageGenerator(images ImageGenerator) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.images = images
	}
}

// WithOrchestratorClock overrides the clock used for duration measurement.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.nowFn = now
		}
	}
}

// NewOrchestrator wires an Orchestrator. The text completer is mandatory;
// vision and image providers are optional and requests needing an absent one
// fail with a capability mismatch.
func NewOrchestrator(engine *prompt.Engine, text TextCompleter, logger *zap.Logger, options ...OrchestratorOption) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: prompt engine dependency is nil", ErrInvalidOrchestratorConfig)
	}
	if text == nil {
		return nil, fmt.Errorf("%w: text completer dependency is nil", ErrInvalidOrchestratorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		engine: engine,
		text:   text,
		logger: logger,
		nowFn:  time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Execute runs one invocation for a service type. The template decides the
// capability; the uploaded media must fit it: text takes none, vision takes
// exactly one, image takes any number and picks generate, edit, or merge by
// arity. Usage recording is best effort and never fails a delivered result.
func (orchestrator *Orchestrator) Execute(ctx context.Context, serviceType string, variables map[string]string, media []Media) (Result, error) {
	template, err := orchestrator.engine.Resolve(ctx, serviceType)
	if err != nil {
		return Result{}, err
	}
	if err := validateMedia(template.Capability, len(media)); err != nil {
		return Result{}, err
	}

	userPrompt := orchestrator.engine.Render(template, variables)
	systemPrompt := orchestrator.engine.RenderSystemPrompt(template, variables)

	started := orchestrator.nowFn()
	result := Result{
		TemplateID:  template.ID,
		ServiceType: template.ServiceType,
		Capability:  template.Capability,
	}

	switch template.Capability {
	case prompt.CapabilityText:
		completion, err := orchestrator.text.Complete(ctx, TextRequest{
			Model:        template.ModelName,
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
			Parameters:   template.Parameters,
		})
		if err != nil {
			return Result{}, err
		}
		result.Text = completion.Text
		result.TokensUsed = completion.TokensUsed
	case prompt.CapabilityVision:
		if orchestrator.vision == nil {
			return Result{}, fmt.Errorf("%w: no vision provider configured", ErrCapabilityMismatch)
		}
		completion, err := orchestrator.vision.CompleteWithImage(ctx, VisionRequest{
			TextRequest: TextRequest{
				Model:        template.ModelName,
				SystemPrompt: systemPrompt,
				UserPrompt:   userPrompt,
				Parameters:   template.Parameters,
			},
			ImageBytes: media[0].Bytes,
			MediaType:  media[0].MediaType,
		})
		if err != nil {
			return Result{}, err
		}
		result.Text = completion.Text
		result.TokensUsed = completion.TokensUsed
	case prompt.CapabilityImage:
		if orchestrator.images == nil {
			return Result{}, fmt.Errorf("%w: no image provider configured", ErrCapabilityMismatch)
		}
		image, err := orchestrator.dispatchImage(ctx, template, userPrompt, media)
		if err != nil {
			return Result{}, err
		}
		result.ImageBytes = image.Bytes
		result.MediaType = image.MediaType
	default:
		return Result{}, fmt.Errorf("%w: unknown capability %q", ErrCapabilityMismatch, template.Capability)
	}

	result.Duration = orchestrator.nowFn().Sub(started)

	if template.OutputFormat == prompt.OutputJSON && result.Text != "" {
		if extracted, ok := ExtractJSONObject(result.Text); ok {
			result.JSON = extracted
		} else {
			orchestrator.logger.Warn("json extraction failed, delivering raw text",
				zap.String("service_type", template.ServiceType),
				zap.String("template_id", template.ID))
		}
	}

	if err := orchestrator.engine.RecordInvocation(ctx, template.ID, result.TokensUsed, result.Duration); err != nil {
		orchestrator.logger.Warn("usage recording failed",
			zap.String("template_id", template.ID),
			zap.Error(err))
	}
	return result, nil
}

func (orchestrator *Orchestrator) dispatchImage(ctx context.Context, template prompt.Template, renderedPrompt string, media []Media) (ImageResult, error) {
	request := ImageRequest{
		Model:  template.ModelName,
		Prompt: renderedPrompt,
		Images: make([][]byte, 0, len(media)),
	}
	for _, item := range media {
		request.Images = append(request.Images, item.Bytes)
	}
	switch len(media) {
	case 0:
		return orchestrator.images.Generate(ctx, request)
	case 1:
		return orchestrator.images.Edit(ctx, request)
	default:
		return orchestrator.images.Merge(ctx, request)
	}
}

func validateMedia(capability prompt.Capability, count int) error {
	switch capability {
	case prompt.CapabilityText:
		if count > 0 {
			return fmt.Errorf("%w: text template received %d images", ErrCapabilityMismatch, count)
		}
	case prompt.CapabilityVision:
		if count != 1 {
			if count == 0 {
				return ErrMissingInputImage
			}
			return fmt.Errorf("%w: vision template received %d images", ErrCapabilityMismatch, count)
		}
	case prompt.CapabilityImage:
		// Any arity is valid; it selects generate, edit, or merge.
	default:
		return fmt.Errorf("%w: unknown capability %q", ErrCapabilityMismatch, capability)
	}
	return nil
}
