package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fortuna-labs/creditgate/internal/payments"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultSessionIssuer = "tauth"
	defaultSessionCookie = "app_session"
	defaultCacheTTL      = time.Hour
	defaultHistoryLimit  = 10
)

// Config aggregates runtime settings for the gateway.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	DatabaseURL       string
	RedisAddr         string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	PaymentSecretKey  string
	PaymentBaseURL    string
	ServiceCosts      map[string]int64
	CreditPackages    []payments.CreditPackage
	TemplateCacheTTL  time.Duration
	HistoryLimit      int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.TemplateCacheTTL <= 0 {
		cfg.TemplateCacheTTL = defaultCacheTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database url is required")
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return fmt.Errorf("provider api key is required")
	}
	if strings.TrimSpace(cfg.PaymentSecretKey) == "" {
		return fmt.Errorf("payment secret key is required")
	}
	if len(cfg.ServiceCosts) == 0 {
		return fmt.Errorf("at least one service cost is required")
	}
	for serviceType, cost := range cfg.ServiceCosts {
		if cost <= 0 {
			return fmt.Errorf("service cost for %s must be positive", serviceType)
		}
	}
	if len(cfg.CreditPackages) == 0 {
		return fmt.Errorf("at least one credit package is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseServiceCosts parses "service=credits" pairs, e.g.
// "summary=5,avatar=20".
func ParseServiceCosts(raw string) (map[string]int64, error) {
	costs := map[string]int64{}
	for _, pair := range splitPairs(raw) {
		name, value, err := splitPair(pair)
		if err != nil {
			return nil, fmt.Errorf("service cost %q: %w", pair, err)
		}
		costs[name] = value
	}
	return costs, nil
}

// ParseCreditPackages parses "amount=credits" pairs, e.g.
// "5000=50,9000=100".
func ParseCreditPackages(raw string) ([]payments.CreditPackage, error) {
	packages := []payments.CreditPackage{}
	for _, pair := range splitPairs(raw) {
		name, value, err := splitPair(pair)
		if err != nil {
			return nil, fmt.Errorf("credit package %q: %w", pair, err)
		}
		amount, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("credit package %q: amount is not a number", pair)
		}
		packages = append(packages, payments.CreditPackage{Amount: amount, Credits: value})
	}
	return packages, nil
}

func splitPairs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	pairs := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			pairs = append(pairs, trimmed)
		}
	}
	return pairs
}

func splitPair(pair string) (string, int64, error) {
	name, rawValue, found := strings.Cut(pair, "=")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		return "", 0, fmt.Errorf("expected name=value")
	}
	value, err := strconv.ParseInt(strings.TrimSpace(rawValue), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("value is not a number")
	}
	if value <= 0 {
		return "", 0, fmt.Errorf("value must be positive")
	}
	return name, value, nil
}
