package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/internal/aiprovider"
	"github.com/fortuna-labs/creditgate/internal/payments"
	"github.com/fortuna-labs/creditgate/internal/prompt"
	"github.com/fortuna-labs/creditgate/pkg/credits"
)

type httpHandler struct {
	logger       *zap.Logger
	credits      *credits.Service
	engine       *prompt.Engine
	orchestrator *aiprovider.Orchestrator
	reconciler   *payments.Reconciler
	cfg          Config
}

type invokeRequest struct {
	Variables map[string]string `json:"variables"`
	Images    []imagePayload    `json:"images"`
}

type imagePayload struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
}

type confirmPaymentRequest struct {
	PaymentKey string `json:"payment_key"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
}

type createTemplateRequest struct {
	ServiceType        string         `json:"service_type"`
	ModelName          string         `json:"model_name"`
	SystemPrompt       string         `json:"system_prompt"`
	UserPromptTemplate string         `json:"user_prompt_template"`
	Parameters         map[string]any `json:"parameters"`
	OutputFormat       string         `json:"output_format"`
}

type startExperimentRequest struct {
	ServiceType  string `json:"service_type"`
	TemplateAID  string `json:"template_a_id"`
	TemplateBID  string `json:"template_b_id"`
	TrafficSplit int    `json:"traffic_split"`
}

// handleInvoke runs one metered AI invocation. Admission already debited the
// credits; every failure from here on refunds them before responding.
func (handler *httpHandler) handleInvoke(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	refund := refundHook(ctx)

	var request invokeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		refund()
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	media := make([]aiprovider.Media, 0, len(request.Images))
	for _, image := range request.Images {
		decoded, err := base64.StdEncoding.DecodeString(image.Data)
		if err != nil {
			refund()
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_image", "image data is not valid base64"))
			return
		}
		media = append(media, aiprovider.Media{Bytes: decoded, MediaType: image.MediaType})
	}

	serviceType := ctx.Param("service_type")
	result, err := handler.orchestrator.Execute(ctx.Request.Context(), serviceType, request.Variables, media)
	if err != nil {
		refund()
		switch {
		case errors.Is(err, prompt.ErrTemplateNotFound):
			handler.logger.Error("no template configured", zap.String("service_type", serviceType))
			ctx.JSON(http.StatusInternalServerError, errorResponse("template_not_found", "service is not configured"))
		case errors.Is(err, aiprovider.ErrCapabilityMismatch), errors.Is(err, aiprovider.ErrMissingInputImage):
			ctx.JSON(http.StatusBadRequest, errorResponse("capability_mismatch", err.Error()))
		default:
			handler.logger.Error("invocation failed", zap.String("service_type", serviceType), zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("service_unavailable", "service temporarily unavailable, credits not charged"))
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"result":    invokeResultPayload(result),
		"balance":   debitedBalance(ctx),
		"reference": debitReference(ctx),
	})
}

func invokeResultPayload(result aiprovider.Result) gin.H {
	payload := gin.H{
		"template_id":  result.TemplateID,
		"service_type": result.ServiceType,
		"capability":   string(result.Capability),
		"tokens_used":  result.TokensUsed,
	}
	if result.JSON != nil {
		payload["json"] = json.RawMessage(result.JSON)
	}
	if result.Text != "" {
		payload["text"] = result.Text
	}
	if len(result.ImageBytes) > 0 {
		payload["image_base64"] = base64.StdEncoding.EncodeToString(result.ImageBytes)
		payload["media_type"] = result.MediaType
	}
	return payload
}

// handleConfirmPayment reconciles an external payment confirmation. A
// duplicate confirmation returns the original success body.
func (handler *httpHandler) handleConfirmPayment(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request confirmPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credits.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}

	receipt, err := handler.reconciler.Confirm(ctx.Request.Context(), accountID, request.PaymentKey, request.OrderID, request.Amount)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrConfirmationMismatch), errors.Is(err, payments.ErrUnknownPackage):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment", err.Error()))
		case errors.Is(err, payments.ErrConfirmationRejected):
			ctx.JSON(http.StatusBadGateway, errorResponse("payment_rejected", "provider rejected the confirmation"))
		default:
			handler.logger.Error("payment reconciliation failed",
				zap.String("payment_key", request.PaymentKey),
				zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("payment_error", "confirmation failed"))
		}
		return
	}

	account, err := handler.credits.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payment_id":        receipt.PaymentID,
		"order_id":          receipt.OrderID,
		"credits_granted":   receipt.CreditsGranted,
		"already_processed": receipt.AlreadyProcessed,
		"balance":           account.Credits,
	})
}

// handleWallet returns the balance and recent ledger history.
func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	accountID, err := credits.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}

	account, err := handler.credits.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	history, err := handler.credits.History(ctx.Request.Context(), accountID, time.Now().UTC().Add(time.Second).Unix(), handler.cfg.HistoryLimit)
	if err != nil {
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "history unavailable"))
		return
	}

	transactions := make([]gin.H, 0, len(history))
	for _, transaction := range history {
		transactions = append(transactions, gin.H{
			"transaction_id":   transaction.TransactionID,
			"type":             transaction.Type.String(),
			"amount":           transaction.Amount,
			"credits_before":   transaction.CreditsBefore,
			"credits_after":    transaction.CreditsAfter,
			"reference_id":     transaction.ReferenceID,
			"reference_type":   transaction.ReferenceType.String(),
			"created_unix_utc": transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":          account.Credits,
		"lifetime_credits": account.LifetimeCredits,
		"transactions":     transactions,
	})
}

// handleCreateTemplate inserts the next template version for a service type.
func (handler *httpHandler) handleCreateTemplate(ctx *gin.Context) {
	var request createTemplateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outputFormat, err := prompt.ParseOutputFormat(request.OutputFormat)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_output_format", err.Error()))
		return
	}
	created, err := handler.engine.CreateTemplate(ctx.Request.Context(), prompt.NewTemplateInput{
		ServiceType:        request.ServiceType,
		ModelName:          request.ModelName,
		SystemPrompt:       request.SystemPrompt,
		UserPromptTemplate: request.UserPromptTemplate,
		Parameters:         request.Parameters,
		OutputFormat:       outputFormat,
	})
	if err != nil {
		if errors.Is(err, prompt.ErrInvalidTemplate) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_template", err.Error()))
			return
		}
		handler.logger.Error("template creation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("template_error", "creation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"template_id":  created.ID,
		"service_type": created.ServiceType,
		"version":      created.Version,
		"capability":   string(created.Capability),
	})
}

// handleStartExperiment begins a running A/B experiment.
func (handler *httpHandler) handleStartExperiment(ctx *gin.Context) {
	var request startExperimentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	started, err := handler.engine.StartExperiment(ctx.Request.Context(), request.ServiceType, request.TemplateAID, request.TemplateBID, request.TrafficSplit)
	if err != nil {
		switch {
		case errors.Is(err, prompt.ErrInvalidTrafficSplit), errors.Is(err, prompt.ErrInvalidTemplate):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_experiment", err.Error()))
		case errors.Is(err, prompt.ErrTemplateNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("template_not_found", err.Error()))
		default:
			handler.logger.Error("experiment start failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("experiment_error", "start failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"experiment_id": started.ID,
		"service_type":  started.ServiceType,
		"traffic_split": started.TrafficSplit,
		"status":        string(started.Status),
	})
}

// handleCompleteExperiment moves a running experiment to completed.
func (handler *httpHandler) handleCompleteExperiment(ctx *gin.Context) {
	experimentID := ctx.Param("id")
	completed, err := handler.engine.CompleteExperiment(ctx.Request.Context(), experimentID)
	if err != nil {
		switch {
		case errors.Is(err, prompt.ErrExperimentNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("experiment_not_found", err.Error()))
		case errors.Is(err, prompt.ErrExperimentNotRunning):
			ctx.JSON(http.StatusConflict, errorResponse("experiment_not_running", err.Error()))
		default:
			handler.logger.Error("experiment completion failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("experiment_error", "completion failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"experiment_id":   completed.ID,
		"service_type":    completed.ServiceType,
		"status":          string(completed.Status),
		"version_a_count": completed.VersionACount,
		"version_b_count": completed.VersionBCount,
	})
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
