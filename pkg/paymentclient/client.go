/**
 * @description
 * This package provides a typed client for the payment orchestration service that
 * establishes recurring grants and executes payments against them. Every call is
 * bounded by a per-request timeout and retried with exponential backoff on 5xx
 * responses and connection errors. 4xx responses are terminal.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 2
	defaultInitialDelay = 500 * time.Millisecond
)

// Client is a client for the payment orchestration service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	initialDelay time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithInitialDelay sets the first backoff delay; later delays double.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) { c.initialDelay = d }
}

// NewClient creates a new payment service client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment service %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// IsClientError reports whether err is a terminal 4xx from the service.
func IsClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
}

// GrantSetupRequest is the payload of the incoming-payment setup endpoints. NumberOfPeriods
// is only sent for the stokvel payout variant.
type GrantSetupRequest struct {
	Value                 int64  `json:"value"`
	StartDate             string `json:"stokvel_contributions_start_date"`
	ReceiverWalletAddress string `json:"walletAddressURL"`
	SenderWalletAddress   string `json:"sender_walletAddressURL"`
	PaymentPeriods        int    `json:"payment_periods"`
	PaymentPeriodLength   string `json:"payment_period_length"`
	LengthBetweenPeriods  string `json:"length_between_periods,omitempty"`
	NumberOfPeriods       string `json:"number_of_periods,omitempty"`
	UserID                string `json:"user_id"`
	StokvelID             string `json:"stokvel_id"`
}

// GrantSetupResponse carries the continuation material of a newly requested grant.
type GrantSetupResponse struct {
	ContinueURI   string `json:"continue_uri"`
	ContinueToken struct {
		Value string `json:"value"`
	} `json:"continue_token"`
	QuoteID        string `json:"quote_id"`
	RecurringGrant struct {
		Interact struct {
			Redirect string `json:"redirect"`
		} `json:"interact"`
	} `json:"recurring_grant"`
}

// RedirectURL is the link the user must visit to accept the grant.
func (r *GrantSetupResponse) RedirectURL() string {
	return r.RecurringGrant.Interact.Redirect
}

// InitialPaymentRequest materializes an accepted grant with its first payment.
type InitialPaymentRequest struct {
	QuoteID             string `json:"quote_id"`
	ContinueURI         string `json:"continueUri"`
	ContinueAccessToken string `json:"continueAccessToken"`
	WalletAddress       string `json:"walletAddressURL"`
	InteractRef         string `json:"interact_ref"`
}

// RecurringPaymentRequest executes one payment against an established grant. Exactly one of
// ContributionValue and PayoutValue is set, depending on the endpoint.
type RecurringPaymentRequest struct {
	SenderWalletAddress    string `json:"sender_wallet_address"`
	ReceivingWalletAddress string `json:"receiving_wallet_address"`
	ManageURL              string `json:"manageUrl"`
	PreviousToken          string `json:"previousToken"`
	ContributionValue      *int64 `json:"contributionValue,omitempty"`
	PayoutValue            *int64 `json:"payout_value,omitempty"`
}

// AdhocSetupRequest requests a one-off grant outside the schedule.
type AdhocSetupRequest struct {
	Value                 int64  `json:"value"`
	ReceiverWalletAddress string `json:"walletAddressURL"`
	SenderWalletAddress   string `json:"sender_walletAddressURL"`
	UserID                string `json:"user_id"`
	StokvelID             string `json:"stokvel_id"`
}

// PaymentResponse carries the rotated continuation material after a payment.
type PaymentResponse struct {
	Token     string `json:"token"`
	ManageURL string `json:"manageurl"`
	Payment   struct {
		Failed bool `json:"failed"`
	} `json:"payment"`
}

// SetupContributionGrant requests the member's recurring contribution grant.
func (c *Client) SetupContributionGrant(ctx context.Context, req GrantSetupRequest) (*GrantSetupResponse, error) {
	var resp GrantSetupResponse
	if err := c.post(ctx, "/incoming-payment-setup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetupPayoutGrant requests the stokvel's recurring payout grant towards a member.
func (c *Client) SetupPayoutGrant(ctx context.Context, req GrantSetupRequest) (*GrantSetupResponse, error) {
	var resp GrantSetupResponse
	if err := c.post(ctx, "/incoming-payment-setup-stokvel-payout", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetupAdhocGrant requests a one-off grant, used when a member leaves with a balance.
func (c *Client) SetupAdhocGrant(ctx context.Context, req AdhocSetupRequest) (*GrantSetupResponse, error) {
	var resp GrantSetupResponse
	if err := c.post(ctx, "/adhoc-payment-setup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateInitialPayment executes the first payment of an accepted grant.
func (c *Client) CreateInitialPayment(ctx context.Context, req InitialPaymentRequest) (*PaymentResponse, error) {
	var resp PaymentResponse
	if err := c.post(ctx, "/create-initial-outgoing-payment", req, &resp); err != nil {
		return nil, err
	}
	if resp.Payment.Failed {
		return nil, fmt.Errorf("payment service reported a failed initial payment")
	}
	return &resp, nil
}

// ProcessRecurringPayment executes a scheduled contribution.
func (c *Client) ProcessRecurringPayment(ctx context.Context, req RecurringPaymentRequest) (*PaymentResponse, error) {
	var resp PaymentResponse
	if err := c.post(ctx, "/process-recurring-payment", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessRecurringPayoutWithInterest executes a scheduled payout of principal plus interest.
func (c *Client) ProcessRecurringPayoutWithInterest(ctx context.Context, req RecurringPaymentRequest) (*PaymentResponse, error) {
	var resp PaymentResponse
	if err := c.post(ctx, "/process-recurring-winterest-payment", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("payment service base URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", endpoint, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.initialDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("failed to execute request to payment service: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read payment service response: %w", err)
			continue
		}

		if resp.StatusCode >= 400 {
			statusErr := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
			if statusErr.Retryable() {
				lastErr = statusErr
				continue
			}
			return statusErr
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
		return nil
	}
	return lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
