package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/internal/promptcache"
)

const (
	defaultCacheTTL = time.Hour
	cacheKeyPrefix  = "prompt:"
)

// Engine resolves, renders, and maintains prompt templates. The cache is an
// injected capability; construction defaults to a no-op cache so the engine
// stays correct without one.
type Engine struct {
	store    Store
	cache    promptcache.Cache
	logger   *zap.Logger
	nowFn    func() int64
	drawFn   func() int
	cacheTTL time.Duration
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithCache wires a template cache implementation.
func WithCache(cache promptcache.Cache) EngineOption {
	return func(engine *Engine) {
		if cache != nil {
			engine.cache = cache
		}
	}
}

// WithCacheTTL overrides the cache entry lifetime.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		if ttl > 0 {
			engine.cacheTTL = ttl
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() int64) EngineOption {
	return func(engine *Engine) {
		if now != nil {
			engine.nowFn = now
		}
	}
}

// WithTrafficDraw overrides the uniform draw used for experiment selection.
// The draw must return a value in [0, 100).
func WithTrafficDraw(draw func() int) EngineOption {
	return func(engine *Engine) {
		if draw != nil {
			engine.drawFn = draw
		}
	}
}

// NewEngine wires an Engine.
func NewEngine(store Store, logger *zap.Logger, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		store:    store,
		cache:    promptcache.NewNoop(),
		logger:   logger,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
		drawFn:   func() int { return rand.Intn(100) },
		cacheTTL: defaultCacheTTL,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Resolve returns the template to use for a service type. A cache hit short
// circuits; a running experiment draws against the traffic split on every
// request and is deliberately never cached; the latest active template is the
// fallback and the only cached path.
func (engine *Engine) Resolve(ctx context.Context, serviceType string) (Template, error) {
	if cached, ok := engine.cachedTemplate(ctx, serviceType); ok {
		return cached, nil
	}

	experiment, err := engine.store.RunningExperiment(ctx, serviceType)
	if err == nil {
		return engine.selectExperimentVariant(ctx, experiment)
	}
	if !errors.Is(err, ErrExperimentNotFound) {
		return Template{}, err
	}

	template, err := engine.store.LatestActiveTemplate(ctx, serviceType)
	if err != nil {
		return Template{}, err
	}
	engine.cacheTemplate(ctx, serviceType, template)
	return template, nil
}

// Invalidate evicts the cached template for a service type. Every
// administrative mutation must call this; TTL expiry alone is not enough for
// writers.
func (engine *Engine) Invalidate(ctx context.Context, serviceType string) {
	if err := engine.cache.Delete(ctx, cacheKeyPrefix+serviceType); err != nil {
		engine.logger.Warn("template cache eviction failed",
			zap.String("service_type", serviceType),
			zap.Error(err))
	}
}

// RecordInvocation folds one invocation into the template's running
// aggregates. The fold happens against the stored row under a lock, never
// against a cached copy, so concurrent invocations cannot lose updates.
func (engine *Engine) RecordInvocation(ctx context.Context, templateID string, tokens int64, responseTime time.Duration) error {
	return engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		template, err := transactionStore.GetTemplateForUpdate(ctx, templateID)
		if err != nil {
			return err
		}
		newCount := template.UsageCount + 1
		newAvgTokens := foldAverage(template.AvgTokens, template.UsageCount, tokens)
		newAvgMillis := foldAverage(template.AvgResponseTimeMillis, template.UsageCount, responseTime.Milliseconds())
		return transactionStore.UpdateTemplateAggregates(ctx, templateID, newCount, newAvgTokens, newAvgMillis)
	})
}

// NewTemplateInput carries the administrative fields for a new template
// version.
type NewTemplateInput struct {
	ServiceType        string
	ModelName          string
	SystemPrompt       string
	UserPromptTemplate string
	Parameters         map[string]any
	OutputFormat       OutputFormat
}

// CreateTemplate inserts the next version for a service type, deactivates its
// predecessors, and evicts the cache entry.
func (engine *Engine) CreateTemplate(ctx context.Context, input NewTemplateInput) (Template, error) {
	if input.ServiceType == "" || input.ModelName == "" || input.UserPromptTemplate == "" {
		return Template{}, fmt.Errorf("%w: service type, model, and user prompt are required", ErrInvalidTemplate)
	}
	outputFormat := input.OutputFormat
	if outputFormat == "" {
		outputFormat = OutputText
	}
	var created Template
	err := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		version, err := transactionStore.MaxTemplateVersion(ctx, input.ServiceType)
		if err != nil {
			return err
		}
		if err := transactionStore.DeactivateTemplates(ctx, input.ServiceType); err != nil {
			return err
		}
		created = Template{
			ID:                 uuid.NewString(),
			ServiceType:        input.ServiceType,
			ModelName:          input.ModelName,
			Capability:         CapabilityForModel(input.ModelName),
			Version:            version + 1,
			SystemPrompt:       input.SystemPrompt,
			UserPromptTemplate: input.UserPromptTemplate,
			Parameters:         input.Parameters,
			OutputFormat:       outputFormat,
			IsActive:           true,
			CreatedUnixUTC:     engine.nowFn(),
		}
		return transactionStore.InsertTemplate(ctx, created)
	})
	if err != nil {
		return Template{}, err
	}
	engine.Invalidate(ctx, input.ServiceType)
	return created, nil
}

// StartExperiment begins a running A/B experiment for a service type and
// evicts the cache entry so selection sees the split immediately.
func (engine *Engine) StartExperiment(ctx context.Context, serviceType, templateAID, templateBID string, trafficSplit int) (Experiment, error) {
	if trafficSplit < 0 || trafficSplit > 100 {
		return Experiment{}, fmt.Errorf("%w: %d is outside 0-100", ErrInvalidTrafficSplit, trafficSplit)
	}
	var started Experiment
	err := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		for _, templateID := range []string{templateAID, templateBID} {
			template, err := transactionStore.GetTemplate(ctx, templateID)
			if err != nil {
				return err
			}
			if template.ServiceType != serviceType {
				return fmt.Errorf("%w: template %s belongs to %s", ErrInvalidTemplate, templateID, template.ServiceType)
			}
		}
		started = Experiment{
			ID:           uuid.NewString(),
			ServiceType:  serviceType,
			TemplateAID:  templateAID,
			TemplateBID:  templateBID,
			TrafficSplit: trafficSplit,
			Status:       ExperimentRunning,
		}
		return transactionStore.InsertExperiment(ctx, started)
	})
	if err != nil {
		return Experiment{}, err
	}
	engine.Invalidate(ctx, serviceType)
	return started, nil
}

// CompleteExperiment moves a running experiment to completed and evicts the
// cache entry so resolution falls back to the active template.
func (engine *Engine) CompleteExperiment(ctx context.Context, experimentID string) (Experiment, error) {
	experiment, err := engine.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return Experiment{}, err
	}
	if err := engine.store.UpdateExperimentStatus(ctx, experimentID, ExperimentRunning, ExperimentCompleted); err != nil {
		return Experiment{}, err
	}
	experiment.Status = ExperimentCompleted
	engine.Invalidate(ctx, experiment.ServiceType)
	return experiment, nil
}

func (engine *Engine) selectExperimentVariant(ctx context.Context, experiment Experiment) (Template, error) {
	variant := VariantB
	templateID := experiment.TemplateBID
	if engine.drawFn() < experiment.TrafficSplit {
		variant = VariantA
		templateID = experiment.TemplateAID
	}
	if err := engine.store.IncrementExperimentCount(ctx, experiment.ID, variant); err != nil {
		return Template{}, err
	}
	return engine.store.GetTemplate(ctx, templateID)
}

func (engine *Engine) cachedTemplate(ctx context.Context, serviceType string) (Template, bool) {
	payload, found, err := engine.cache.Get(ctx, cacheKeyPrefix+serviceType)
	if err != nil {
		engine.logger.Warn("template cache read failed, falling through to store",
			zap.String("service_type", serviceType),
			zap.Error(err))
		return Template{}, false
	}
	if !found {
		return Template{}, false
	}
	var template Template
	if err := json.Unmarshal(payload, &template); err != nil {
		engine.logger.Warn("template cache payload corrupt, evicting",
			zap.String("service_type", serviceType),
			zap.Error(err))
		engine.Invalidate(ctx, serviceType)
		return Template{}, false
	}
	return template, true
}

func (engine *Engine) cacheTemplate(ctx context.Context, serviceType string, template Template) {
	payload, err := json.Marshal(template)
	if err != nil {
		engine.logger.Warn("template cache encode failed", zap.Error(err))
		return
	}
	if err := engine.cache.Set(ctx, cacheKeyPrefix+serviceType, payload, engine.cacheTTL); err != nil {
		engine.logger.Warn("template cache write failed",
			zap.String("service_type", serviceType),
			zap.Error(err))
	}
}

func foldAverage(oldAverage, oldCount, newValue int64) int64 {
	newCount := oldCount + 1
	return int64(math.Round(float64(oldAverage*oldCount+newValue) / float64(newCount)))
}
