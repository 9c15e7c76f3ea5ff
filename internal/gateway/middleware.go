package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

const (
	contextKeyClaims    = "auth_claims"
	contextKeyAccountID = "credit_account_id"
	contextKeyAmount    = "credit_debit_amount"
	contextKeyReference = "credit_debit_reference"
	contextKeyBalance   = "credit_balance"
	contextKeyRefund    = "credit_refund"
)

// creditGate admits a request only after atomically debiting the route's
// service cost. The refund hook it installs runs on a context detached from
// the request, so a client abort or provider timeout cannot strand the
// reserved credits.
func (handler *httpHandler) creditGate() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		serviceTypeRaw := ctx.Param("service_type")
		cost, known := handler.cfg.ServiceCosts[serviceTypeRaw]
		if !known {
			ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse("unknown_service", "no such service type"))
			return
		}

		accountID, err := credits.NewAccountID(claims.GetUserID())
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
			return
		}
		serviceType, err := credits.NewServiceType(serviceTypeRaw)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse("unknown_service", "invalid service type"))
			return
		}
		amount, err := credits.NewCreditAmount(cost)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("misconfigured_cost", "service cost is invalid"))
			return
		}

		referenceID := uuid.NewString()
		debit, err := handler.credits.Debit(ctx.Request.Context(), accountID, serviceType, amount, referenceID)
		if err != nil {
			var insufficient credits.InsufficientCreditsError
			if errors.As(err, &insufficient) {
				ctx.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
					"error":    gin.H{"code": "insufficient_credits", "message": "not enough credits"},
					"required": insufficient.Required,
					"current":  insufficient.Current,
				})
				return
			}
			handler.logger.Error("credit debit failed", zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("ledger_error", "debit failed"))
			return
		}

		refund := func() {
			refundCtx := context.WithoutCancel(ctx.Request.Context())
			if _, refundErr := handler.credits.Refund(refundCtx, accountID, amount, referenceID); refundErr != nil {
				handler.logger.Error("refund failed",
					zap.String("account_id", accountID.String()),
					zap.String("reference_id", referenceID),
					zap.Error(refundErr))
			}
		}

		ctx.Set(contextKeyAccountID, accountID)
		ctx.Set(contextKeyAmount, amount)
		ctx.Set(contextKeyReference, referenceID)
		ctx.Set(contextKeyBalance, debit.CreditsAfter)
		ctx.Set(contextKeyRefund, refund)
		ctx.Next()
	}
}

func refundHook(ctx *gin.Context) func() {
	value, ok := ctx.Get(contextKeyRefund)
	if !ok {
		return func() {}
	}
	refund, ok := value.(func())
	if !ok {
		return func() {}
	}
	return refund
}

func debitedBalance(ctx *gin.Context) int64 {
	value, ok := ctx.Get(contextKeyBalance)
	if !ok {
		return 0
	}
	balance, _ := value.(int64)
	return balance
}

func debitReference(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyReference)
	if !ok {
		return ""
	}
	reference, _ := value.(string)
	return reference
}
