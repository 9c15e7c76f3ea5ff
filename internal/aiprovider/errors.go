package aiprovider

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrCapabilityMismatch        = errors.New("template capability does not match invocation")
	ErrMissingInputImage         = errors.New("vision dispatch requires exactly one input image")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)

// ProviderError reports an upstream AI failure: timeout, malformed response,
// or a non-2xx status. It is retryable by the caller and is the signal to run
// the admission refund hook.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (providerError *ProviderError) Error() string {
	if providerError.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", providerError.Provider, providerError.Message, providerError.Err)
	}
	return fmt.Sprintf("provider %s: %s", providerError.Provider, providerError.Message)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// AsProviderError unwraps err into a ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError, true
	}
	return nil, false
}
