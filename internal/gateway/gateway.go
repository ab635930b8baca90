// Package gateway talks to the external payment provider. Every call is
// treated as a potentially-failing, idempotency-unsafe remote operation;
// callers wrap money-moving calls in the reserve/confirm-or-refund
// protocol rather than trusting the gateway with balance state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnavailable marks a gateway that could not be reached or answered
	// with a server error. The caller retries manually; any reservation
	// already made stays reconcilable through its ledger entry.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrTransferFailed marks a transfer the gateway rejected. The caller
	// must compensate the reservation before surfacing the error.
	ErrTransferFailed = errors.New("gateway rejected transfer")
	// ErrChargeNotFound marks a verification for an unknown reference.
	ErrChargeNotFound = errors.New("charge reference not found")
)

// Charge is the gateway's view of one payment.
type Charge struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amountMinorUnits"`
	Success   bool      `json:"success"`
	PaidAt    time.Time `json:"paidAt"`
}

// TransferResult reports an initiated payout transfer.
type TransferResult struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transferId"`
}

// BankDetails identifies a transfer recipient at the provider.
type BankDetails struct {
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
}

// Client is the contract the core needs from the payment provider.
type Client interface {
	// InitializeCharge opens a hosted payment for the reference and
	// returns the redirect URL the payer completes it at.
	InitializeCharge(ctx context.Context, amount int64, reference string) (redirectURL string, err error)
	// VerifyCharge fetches the authoritative state of a charge.
	VerifyCharge(ctx context.Context, reference string) (*Charge, error)
	// CreateTransferRecipient registers bank details for payouts.
	CreateTransferRecipient(ctx context.Context, details BankDetails) (recipientID string, err error)
	// InitiateTransfer sends money to a previously created recipient.
	InitiateTransfer(ctx context.Context, recipientID string, amount int64, reference string) (*TransferResult, error)
}

// HTTPClient implements Client against a REST provider with bearer-token
// auth.
type HTTPClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewHTTPClient(baseURL, secret string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) InitializeCharge(ctx context.Context, amount int64, reference string) (string, error) {
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	err := c.call(ctx, http.MethodPost, "/charges", map[string]any{
		"amountMinorUnits": amount,
		"reference":        reference,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.RedirectURL, nil
}

func (c *HTTPClient) VerifyCharge(ctx context.Context, reference string) (*Charge, error) {
	var out Charge
	err := c.call(ctx, http.MethodGet, "/charges/"+reference, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateTransferRecipient(ctx context.Context, details BankDetails) (string, error) {
	var out struct {
		RecipientID string `json:"recipientId"`
	}
	err := c.call(ctx, http.MethodPost, "/recipients", details, &out)
	if err != nil {
		return "", err
	}
	return out.RecipientID, nil
}

func (c *HTTPClient) InitiateTransfer(ctx context.Context, recipientID string, amount int64, reference string) (*TransferResult, error) {
	var out TransferResult
	err := c.call(ctx, http.MethodPost, "/transfers", map[string]any{
		"recipientId":      recipientID,
		"amountMinorUnits": amount,
		"reference":        reference,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return &out, ErrTransferFailed
	}
	return &out, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrChargeNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway error %d: %s", resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
