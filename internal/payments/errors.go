package payments

import "errors"

// Sentinel errors.
var (
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrDuplicatePayment        = errors.New("payment already recorded")
	ErrAlreadyConfirmed        = errors.New("payment already confirmed by provider")
	ErrUnknownPackage          = errors.New("order amount matches no credit package")
	ErrInvalidPackageTable     = errors.New("invalid credit package table")
	ErrConfirmationMismatch    = errors.New("provider confirmation does not match the request")
	ErrConfirmationRejected    = errors.New("provider rejected the confirmation")
	ErrInvalidReconcilerConfig = errors.New("invalid reconciler config")
)
