package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
)

type Adapter struct {
	webhookSecret string
}

func NewAdapter(webhookSecret string) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, errors.New("stripe webhook secret is empty")
	}
	return &Adapter{webhookSecret: webhookSecret}, nil
}

func (a *Adapter) Provider() string { return "stripe" }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return billingeventdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return billingeventdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return billingeventdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*billingeventdomain.BillingEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, billingeventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, billingeventdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case billingeventdomain.EventTypeCheckoutCompleted:
		return a.parseCheckoutSession(event, payload)
	case billingeventdomain.EventTypePaymentSucceeded,
		billingeventdomain.EventTypePaymentFailed:
		return a.parseInvoice(event, payload)
	case billingeventdomain.EventTypeSubscriptionUpdated,
		billingeventdomain.EventTypeSubscriptionDeleted:
		return a.parseSubscription(event, payload)
	default:
		return nil, billingeventdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Created      int64  `json:"created"`
}

type stripeInvoice struct {
	ID          string `json:"id"`
	Customer    string `json:"customer"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	Created     int64  `json:"created"`
}

type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Created           int64  `json:"created"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*billingeventdomain.BillingEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, billingeventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.Customer) == "" {
		return nil, billingeventdomain.ErrInvalidEvent
	}

	return &billingeventdomain.BillingEvent{
		ProviderEventID:   event.ID,
		Type:              billingeventdomain.EventTypeCheckoutCompleted,
		BillingCustomerID: session.Customer,
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte) (*billingeventdomain.BillingEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, billingeventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.Customer) == "" {
		return nil, billingeventdomain.ErrInvalidEvent
	}

	out := &billingeventdomain.BillingEvent{
		ProviderEventID:   event.ID,
		Type:              strings.TrimSpace(event.Type),
		BillingCustomerID: invoice.Customer,
		OccurredAt:        timestamp(invoice.Created, event.Created),
		RawPayload:        payload,
	}
	if invoice.PeriodStart > 0 {
		start := time.Unix(invoice.PeriodStart, 0).UTC()
		out.PeriodStart = &start
	}
	if invoice.PeriodEnd > 0 {
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		out.PeriodEnd = &end
	}
	return out, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte) (*billingeventdomain.BillingEvent, error) {
	var subscription stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &subscription); err != nil {
		return nil, billingeventdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(subscription.Customer) == "" {
		return nil, billingeventdomain.ErrInvalidEvent
	}

	return &billingeventdomain.BillingEvent{
		ProviderEventID:   event.ID,
		Type:              strings.TrimSpace(event.Type),
		BillingCustomerID: subscription.Customer,
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
		OccurredAt:        timestamp(subscription.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
