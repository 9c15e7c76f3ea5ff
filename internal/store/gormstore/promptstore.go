package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fortuna-labs/creditgate/internal/prompt"
)

// promptStore implements prompt.Store.
type promptStore struct {
	db *gorm.DB
}

func (store *promptStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore prompt.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &promptStore{db: transaction})
	})
}

func (store *promptStore) LatestActiveTemplate(ctx context.Context, serviceType string) (prompt.Template, error) {
	var row PromptTemplate
	err := store.db.WithContext(ctx).
		Where("service_type = ? AND is_active = ?", serviceType, true).
		Order("version DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return prompt.Template{}, prompt.ErrTemplateNotFound
	}
	if err != nil {
		return prompt.Template{}, fmt.Errorf("load active template for %s: %w", serviceType, err)
	}
	return mapTemplate(row)
}

func (store *promptStore) GetTemplate(ctx context.Context, templateID string) (prompt.Template, error) {
	return store.getTemplate(ctx, templateID, false)
}

func (store *promptStore) GetTemplateForUpdate(ctx context.Context, templateID string) (prompt.Template, error) {
	return store.getTemplate(ctx, templateID, true)
}

func (store *promptStore) getTemplate(ctx context.Context, templateID string, forUpdate bool) (prompt.Template, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row PromptTemplate
	err := query.Where("template_id = ?", templateID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return prompt.Template{}, prompt.ErrTemplateNotFound
	}
	if err != nil {
		return prompt.Template{}, fmt.Errorf("load template %s: %w", templateID, err)
	}
	return mapTemplate(row)
}

func (store *promptStore) InsertTemplate(ctx context.Context, template prompt.Template) error {
	parameters, err := encodeParameters(template.Parameters)
	if err != nil {
		return fmt.Errorf("encode template parameters: %w", err)
	}
	row := PromptTemplate{
		TemplateID:            template.ID,
		ServiceType:           template.ServiceType,
		ModelName:             template.ModelName,
		Capability:            string(template.Capability),
		Version:               template.Version,
		SystemPrompt:          template.SystemPrompt,
		UserPromptTemplate:    template.UserPromptTemplate,
		Parameters:            parameters,
		OutputFormat:          string(template.OutputFormat),
		IsActive:              template.IsActive,
		UsageCount:            template.UsageCount,
		AvgTokens:             template.AvgTokens,
		AvgResponseTimeMillis: template.AvgResponseTimeMillis,
		CreatedAt:             time.Unix(template.CreatedUnixUTC, 0).UTC(),
	}
	if template.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (store *promptStore) DeactivateTemplates(ctx context.Context, serviceType string) error {
	err := store.db.WithContext(ctx).
		Model(&PromptTemplate{}).
		Where("service_type = ? AND is_active = ?", serviceType, true).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate templates for %s: %w", serviceType, err)
	}
	return nil
}

func (store *promptStore) MaxTemplateVersion(ctx context.Context, serviceType string) (int, error) {
	var result struct {
		MaxVersion int
	}
	err := store.db.WithContext(ctx).
		Model(&PromptTemplate{}).
		Select("coalesce(max(version),0) as max_version").
		Where("service_type = ?", serviceType).
		Scan(&result).Error
	if err != nil {
		return 0, fmt.Errorf("max template version for %s: %w", serviceType, err)
	}
	return result.MaxVersion, nil
}

func (store *promptStore) UpdateTemplateAggregates(ctx context.Context, templateID string, usageCount, avgTokens, avgResponseTimeMillis int64) error {
	result := store.db.WithContext(ctx).
		Model(&PromptTemplate{}).
		Where("template_id = ?", templateID).
		Updates(map[string]interface{}{
			"usage_count":              usageCount,
			"avg_tokens":               avgTokens,
			"avg_response_time_millis": avgResponseTimeMillis,
		})
	if result.Error != nil {
		return fmt.Errorf("update template aggregates: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return prompt.ErrTemplateNotFound
	}
	return nil
}

func (store *promptStore) RunningExperiment(ctx context.Context, serviceType string) (prompt.Experiment, error) {
	var row Experiment
	err := store.db.WithContext(ctx).
		Where("service_type = ? AND status = ?", serviceType, string(prompt.ExperimentRunning)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return prompt.Experiment{}, prompt.ErrExperimentNotFound
	}
	if err != nil {
		return prompt.Experiment{}, fmt.Errorf("load running experiment for %s: %w", serviceType, err)
	}
	return mapExperiment(row)
}

func (store *promptStore) GetExperiment(ctx context.Context, experimentID string) (prompt.Experiment, error) {
	var row Experiment
	err := store.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return prompt.Experiment{}, prompt.ErrExperimentNotFound
	}
	if err != nil {
		return prompt.Experiment{}, fmt.Errorf("load experiment %s: %w", experimentID, err)
	}
	return mapExperiment(row)
}

func (store *promptStore) InsertExperiment(ctx context.Context, experiment prompt.Experiment) error {
	row := Experiment{
		ExperimentID:  experiment.ID,
		ServiceType:   experiment.ServiceType,
		TemplateAID:   experiment.TemplateAID,
		TemplateBID:   experiment.TemplateBID,
		TrafficSplit:  experiment.TrafficSplit,
		Status:        string(experiment.Status),
		VersionACount: experiment.VersionACount,
		VersionBCount: experiment.VersionBCount,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func (store *promptStore) IncrementExperimentCount(ctx context.Context, experimentID string, variant prompt.Variant) error {
	column := "version_b_count"
	if variant == prompt.VariantA {
		column = "version_a_count"
	}
	result := store.db.WithContext(ctx).
		Model(&Experiment{}).
		Where("experiment_id = ?", experimentID).
		Update(column, gorm.Expr(column+" + 1"))
	if result.Error != nil {
		return fmt.Errorf("increment experiment count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return prompt.ErrExperimentNotFound
	}
	return nil
}

func (store *promptStore) UpdateExperimentStatus(ctx context.Context, experimentID string, from, to prompt.ExperimentStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Experiment{}).
		Where("experiment_id = ? AND status = ?", experimentID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return fmt.Errorf("update experiment status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return prompt.ErrExperimentNotRunning
	}
	return nil
}

func mapTemplate(row PromptTemplate) (prompt.Template, error) {
	parameters, err := decodeParameters(row.Parameters)
	if err != nil {
		return prompt.Template{}, fmt.Errorf("decode template parameters: %w", err)
	}
	outputFormat, err := prompt.ParseOutputFormat(row.OutputFormat)
	if err != nil {
		return prompt.Template{}, err
	}
	return prompt.Template{
		ID:                    row.TemplateID,
		ServiceType:           row.ServiceType,
		ModelName:             row.ModelName,
		Capability:            prompt.Capability(row.Capability),
		Version:               row.Version,
		SystemPrompt:          row.SystemPrompt,
		UserPromptTemplate:    row.UserPromptTemplate,
		Parameters:            parameters,
		OutputFormat:          outputFormat,
		IsActive:              row.IsActive,
		UsageCount:            row.UsageCount,
		AvgTokens:             row.AvgTokens,
		AvgResponseTimeMillis: row.AvgResponseTimeMillis,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
	}, nil
}

func mapExperiment(row Experiment) (prompt.Experiment, error) {
	status, err := prompt.ParseExperimentStatus(row.Status)
	if err != nil {
		return prompt.Experiment{}, err
	}
	return prompt.Experiment{
		ID:            row.ExperimentID,
		ServiceType:   row.ServiceType,
		TemplateAID:   row.TemplateAID,
		TemplateBID:   row.TemplateBID,
		TrafficSplit:  row.TrafficSplit,
		Status:        status,
		VersionACount: row.VersionACount,
		VersionBCount: row.VersionBCount,
	}, nil
}

func encodeParameters(parameters map[string]any) (datatypes.JSON, error) {
	if len(parameters) == 0 {
		return datatypes.JSON([]byte("{}")), nil
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeParameters(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var parameters map[string]any
	if err := json.Unmarshal(raw, &parameters); err != nil {
		return nil, err
	}
	if len(parameters) == 0 {
		return nil, nil
	}
	return parameters, nil
}
