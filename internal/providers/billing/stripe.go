package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type stripeBalanceTransaction struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type StripeProvider struct {
	apiKey  string
	apiBase string
	client  *http.Client
}

func NewStripeProvider(apiKey string, apiBase string) *StripeProvider {
	apiBase = strings.TrimSpace(apiBase)
	if apiBase == "" {
		apiBase = "https://api.stripe.com"
	}
	return &StripeProvider{
		apiKey:  strings.TrimSpace(apiKey),
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

// ApplyCustomerCredit posts a negative customer balance transaction, reducing
// what the customer owes on their next invoice.
func (p *StripeProvider) ApplyCustomerCredit(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error {
	return p.createBalanceTransaction(ctx, billingCustomerID, amount, currency, idempotencyKey, "referral reward credit")
}

func (p *StripeProvider) ApplyCustomerDiscount(ctx context.Context, billingCustomerID string, amount int64, currency string, idempotencyKey string) error {
	return p.createBalanceTransaction(ctx, billingCustomerID, amount, currency, idempotencyKey, "referral signup discount")
}

func (p *StripeProvider) createBalanceTransaction(
	ctx context.Context,
	billingCustomerID string,
	amount int64,
	currency string,
	idempotencyKey string,
	description string,
) error {
	if strings.TrimSpace(p.apiKey) == "" || strings.TrimSpace(billingCustomerID) == "" {
		return ErrExternalCall
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(-amount, 10))
	values.Set("currency", strings.ToLower(currency))
	values.Set("description", description)

	path := "/v1/customers/" + url.PathEscape(billingCustomerID) + "/balance_transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ErrExternalCall
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&stripeErr)
		return ErrExternalCall
	}

	var txn stripeBalanceTransaction
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return ErrExternalCall
	}
	if txn.ID == "" {
		return ErrExternalCall
	}
	return nil
}
