package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The credits column is the live
// balance; every mutation goes through a conditional or additive UPDATE so
// concurrent requests serialize on the row.
type Account struct {
	AccountID       string    `gorm:"primaryKey"`
	Credits         int64     `gorm:"not null;default:0"`
	LifetimeCredits int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are append
// only.
type CreditTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	CreditsBefore int64     `gorm:"not null"`
	CreditsAfter  int64     `gorm:"not null"`
	ReferenceID   string    `gorm:"not null"`
	ReferenceType string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table. The unique index on the external
// payment key is the last line of defense against double-crediting.
type Payment struct {
	PaymentID          string     `gorm:"type:uuid;primaryKey"`
	AccountID          string     `gorm:"not null;index"`
	ExternalPaymentKey string     `gorm:"not null;uniqueIndex:uniq_payments_external_key"`
	OrderID            string     `gorm:"not null"`
	Amount             int64      `gorm:"not null"`
	Status             string     `gorm:"not null"`
	CreditsGranted     int64      `gorm:"not null"`
	ApprovedAt         *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// PromptTemplate mirrors the prompt_templates table.
type PromptTemplate struct {
	TemplateID            string         `gorm:"type:uuid;primaryKey"`
	ServiceType           string         `gorm:"not null;index:idx_templates_service_active,priority:1"`
	ModelName             string         `gorm:"not null"`
	Capability            string         `gorm:"not null"`
	Version               int            `gorm:"not null"`
	SystemPrompt          string         `gorm:"type:text;not null"`
	UserPromptTemplate    string         `gorm:"type:text;not null"`
	Parameters            datatypes.JSON `gorm:"not null"`
	OutputFormat          string         `gorm:"not null"`
	IsActive              bool           `gorm:"not null;index:idx_templates_service_active,priority:2"`
	UsageCount            int64          `gorm:"not null;default:0"`
	AvgTokens             int64          `gorm:"not null;default:0"`
	AvgResponseTimeMillis int64          `gorm:"not null;default:0"`
	CreatedAt             time.Time      `gorm:"not null"`
}

func (PromptTemplate) TableName() string { return "prompt_templates" }

func (template *PromptTemplate) BeforeCreate(tx *gorm.DB) error {
	if template.TemplateID == "" {
		template.TemplateID = uuid.NewString()
	}
	return nil
}

// Experiment mirrors the experiments table.
type Experiment struct {
	ExperimentID  string    `gorm:"type:uuid;primaryKey"`
	ServiceType   string    `gorm:"not null;index:idx_experiments_service_status,priority:1"`
	TemplateAID   string    `gorm:"type:uuid;not null"`
	TemplateBID   string    `gorm:"type:uuid;not null"`
	TrafficSplit  int       `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_experiments_service_status,priority:2"`
	VersionACount int64     `gorm:"not null;default:0"`
	VersionBCount int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Experiment) TableName() string { return "experiments" }

func (experiment *Experiment) BeforeCreate(tx *gorm.DB) error {
	if experiment.ExperimentID == "" {
		experiment.ExperimentID = uuid.NewString()
	}
	return nil
}
