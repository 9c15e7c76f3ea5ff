package prompt

import (
	"context"
	"fmt"
	"strings"
)

// Capability is the closed set of provider modalities a template can declare.
// It is resolved once when a template is loaded, never re-derived per call.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityVision Capability = "vision"
	CapabilityImage  Capability = "image"
)

// OutputFormat declares how a template's completion should be parsed.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// ExperimentStatus defines the experiment lifecycle.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
)

// Variant names one arm of an experiment.
type Variant string

const (
	VariantA Variant = "a"
	VariantB Variant = "b"
)

// Template is a versioned prompt definition for one service type. At most one
// template per service type is active outside a running experiment.
type Template struct {
	ID                    string            `json:"id"`
	ServiceType           string            `json:"service_type"`
	ModelName             string            `json:"model_name"`
	Capability            Capability        `json:"capability"`
	Version               int               `json:"version"`
	SystemPrompt          string            `json:"system_prompt"`
	UserPromptTemplate    string            `json:"user_prompt_template"`
	Parameters            map[string]any    `json:"parameters,omitempty"`
	OutputFormat          OutputFormat      `json:"output_format"`
	IsActive              bool              `json:"is_active"`
	UsageCount            int64             `json:"usage_count"`
	AvgTokens             int64             `json:"avg_tokens"`
	AvgResponseTimeMillis int64             `json:"avg_response_time_millis"`
	CreatedUnixUTC        int64             `json:"created_unix_utc"`
}

// Experiment pairs two templates under a traffic split.
type Experiment struct {
	ID            string
	ServiceType   string
	TemplateAID   string
	TemplateBID   string
	TrafficSplit  int
	Status        ExperimentStatus
	VersionACount int64
	VersionBCount int64
}

// CapabilityForModel maps a declared model family to its capability. Vision
// and image families are recognized by their naming convention; everything
// else is a plain text completion model.
func CapabilityForModel(modelName string) Capability {
	normalized := strings.ToLower(strings.TrimSpace(modelName))
	switch {
	case strings.Contains(normalized, "vision"):
		return CapabilityVision
	case strings.Contains(normalized, "image"), strings.HasPrefix(normalized, "dall-e"):
		return CapabilityImage
	default:
		return CapabilityText
	}
}

// ParseOutputFormat validates a stored output format, defaulting to text.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutputFormat, raw)
}

// ParseExperimentStatus validates a stored experiment status.
func ParseExperimentStatus(raw string) (ExperimentStatus, error) {
	switch ExperimentStatus(raw) {
	case ExperimentDraft, ExperimentRunning, ExperimentCompleted:
		return ExperimentStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidExperimentStatus, raw)
}

// Store is the persistence contract for templates and experiments.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LatestActiveTemplate returns the most recently created active template
	// for a service type, or ErrTemplateNotFound.
	LatestActiveTemplate(ctx context.Context, serviceType string) (Template, error)
	GetTemplate(ctx context.Context, templateID string) (Template, error)
	// GetTemplateForUpdate locks the template row for an aggregate update.
	GetTemplateForUpdate(ctx context.Context, templateID string) (Template, error)
	InsertTemplate(ctx context.Context, template Template) error
	DeactivateTemplates(ctx context.Context, serviceType string) error
	MaxTemplateVersion(ctx context.Context, serviceType string) (int, error)
	UpdateTemplateAggregates(ctx context.Context, templateID string, usageCount, avgTokens, avgResponseTimeMillis int64) error
	// RunningExperiment returns the running experiment for a service type, or
	// ErrExperimentNotFound.
	RunningExperiment(ctx context.Context, serviceType string) (Experiment, error)
	GetExperiment(ctx context.Context, experimentID string) (Experiment, error)
	InsertExperiment(ctx context.Context, experiment Experiment) error
	IncrementExperimentCount(ctx context.Context, experimentID string, variant Variant) error
	UpdateExperimentStatus(ctx context.Context, experimentID string, from, to ExperimentStatus) error
}
