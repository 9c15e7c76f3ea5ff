package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	tossDefaultBaseURL = "https://api.tosspayments.com"
	tossTimeout        = 30 * time.Second

	tossStatusDone           = "DONE"
	tossCodeAlreadyProcessed = "ALREADY_PROCESSED_PAYMENT"
)

// TossClient implements ConfirmationClient against the Toss Payments API.
// Authentication is HTTP basic with the server-held secret key and an empty
// password.
type TossClient struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

// TossOption configures a TossClient.
type TossOption func(*TossClient)

// WithTossBaseURL points the client at a non-default endpoint, used by tests.
func WithTossBaseURL(baseURL string) TossOption {
	return func(client *TossClient) {
		if baseURL != "" {
			client.baseURL = baseURL
		}
	}
}

// NewTossClient wires a confirmation client.
func NewTossClient(secretKey string, options ...TossOption) (*TossClient, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: payment secret key is required", ErrInvalidReconcilerConfig)
	}
	client := &TossClient{
		secretKey: secretKey,
		baseURL:   tossDefaultBaseURL,
		client:    &http.Client{Timeout: tossTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Confirm finalizes a payment with the provider.
func (client *TossClient) Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (Confirmation, error) {
	payload, err := json.Marshal(map[string]any{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     amount,
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("marshal confirm request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/v1/payments/confirm", bytes.NewReader(payload))
	if err != nil {
		return Confirmation{}, fmt.Errorf("build confirm request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	return client.send(httpRequest)
}

// Fetch reads the provider's record of a payment by key.
func (client *TossClient) Fetch(ctx context.Context, paymentKey string) (Confirmation, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/v1/payments/"+paymentKey, nil)
	if err != nil {
		return Confirmation{}, fmt.Errorf("build fetch request: %w", err)
	}
	return client.send(httpRequest)
}

func (client *TossClient) send(httpRequest *http.Request) (Confirmation, error) {
	credential := base64.StdEncoding.EncodeToString([]byte(client.secretKey + ":"))
	httpRequest.Header.Set("Authorization", "Basic "+credential)

	httpResponse, err := client.client.Do(httpRequest)
	if err != nil {
		return Confirmation{}, fmt.Errorf("payment provider request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Confirmation{}, fmt.Errorf("read payment provider response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		var failure struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(responseBody, &failure); err == nil && failure.Code == tossCodeAlreadyProcessed {
			return Confirmation{}, ErrAlreadyConfirmed
		}
		return Confirmation{}, fmt.Errorf("%w: status %d code %q: %s", ErrConfirmationRejected, httpResponse.StatusCode, failure.Code, failure.Message)
	}

	var parsed struct {
		PaymentKey  string `json:"paymentKey"`
		OrderID     string `json:"orderId"`
		TotalAmount int64  `json:"totalAmount"`
		Status      string `json:"status"`
		ApprovedAt  string `json:"approvedAt"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return Confirmation{}, fmt.Errorf("malformed payment provider response: %w", err)
	}

	status := PaymentStatusCanceled
	if parsed.Status == tossStatusDone {
		status = PaymentStatusDone
	}
	var approvedUnix int64
	if parsed.ApprovedAt != "" {
		if approvedAt, err := time.Parse(time.RFC3339, parsed.ApprovedAt); err == nil {
			approvedUnix = approvedAt.UTC().Unix()
		}
	}
	return Confirmation{
		PaymentKey:      parsed.PaymentKey,
		OrderID:         parsed.OrderID,
		Amount:          parsed.TotalAmount,
		Status:          status,
		ApprovedUnixUTC: approvedUnix,
	}, nil
}
