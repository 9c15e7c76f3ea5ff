// Package gateway exposes the credit-metered AI surface over HTTP: session
// auth, the credit gate, invocation, payment confirmation, wallet, and the
// template administration routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/internal/aiprovider"
	"github.com/fortuna-labs/creditgate/internal/payments"
	"github.com/fortuna-labs/creditgate/internal/prompt"
	"github.com/fortuna-labs/creditgate/internal/promptcache"
	"github.com/fortuna-labs/creditgate/internal/store/gormstore"
	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// Run boots the gateway over an already-opened store.
func Run(ctx context.Context, cfg Config, store *gormstore.Store, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store.Credits(), clock,
		credits.WithOperationLogger(NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	cache, err := buildTemplateCache(cfg, logger)
	if err != nil {
		return err
	}
	engine, err := prompt.NewEngine(store.Prompts(), logger,
		prompt.WithCache(cache),
		prompt.WithCacheTTL(cfg.TemplateCacheTTL))
	if err != nil {
		return fmt.Errorf("prompt engine init: %w", err)
	}

	providerOptions := []aiprovider.OpenAIOption{}
	if cfg.OpenAIBaseURL != "" {
		providerOptions = append(providerOptions, aiprovider.WithBaseURL(cfg.OpenAIBaseURL))
	}
	textClient, err := aiprovider.NewOpenAIClient(cfg.OpenAIAPIKey, providerOptions...)
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}
	imageClient, err := aiprovider.NewOpenAIImageClient(cfg.OpenAIAPIKey, providerOptions...)
	if err != nil {
		return fmt.Errorf("image client init: %w", err)
	}
	orchestrator, err := aiprovider.NewOrchestrator(engine, textClient, logger,
		aiprovider.WithVisionCompleter(textClient),
		aiprovider.WithImageGenerator(imageClient))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	packageTable, err := payments.NewPackageTable(cfg.CreditPackages)
	if err != nil {
		return fmt.Errorf("credit packages: %w", err)
	}
	paymentOptions := []payments.TossOption{}
	if cfg.PaymentBaseURL != "" {
		paymentOptions = append(paymentOptions, payments.WithTossBaseURL(cfg.PaymentBaseURL))
	}
	confirmationClient, err := payments.NewTossClient(cfg.PaymentSecretKey, paymentOptions...)
	if err != nil {
		return fmt.Errorf("payment client init: %w", err)
	}
	reconciler, err := payments.NewReconciler(store.Payments(), confirmationClient, packageTable, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:       logger,
		credits:      creditService,
		engine:       engine,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		cfg:          cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildTemplateCache(cfg Config, logger *zap.Logger) (promptcache.Cache, error) {
	if cfg.RedisAddr == "" {
		logger.Info("no redis configured, using in-process template cache")
		return promptcache.NewMemory(), nil
	}
	cache, err := promptcache.NewRedis(promptcache.RedisConfig{Address: cfg.RedisAddr})
	if err != nil {
		return nil, fmt.Errorf("redis cache init: %w", err)
	}
	return cache, nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(contextKeyClaims))

	api.POST("/ai/:service_type", handler.creditGate(), handler.handleInvoke)
	api.POST("/payments/confirm", handler.handleConfirmPayment)
	api.GET("/wallet", handler.handleWallet)

	admin := api.Group("/admin")
	admin.POST("/templates", handler.handleCreateTemplate)
	admin.POST("/experiments", handler.handleStartExperiment)
	admin.POST("/experiments/:id/complete", handler.handleCompleteExperiment)

	return router
}
