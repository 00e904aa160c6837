package models

import (
	"encoding/json"
	"time"
)

// Billing event types handled by the webhook ingest
const (
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventPaymentCompleted      = "PAYMENT.SALE.COMPLETED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
)

// WebhookEvent is one inbound billing notification, stored once per EventID
type WebhookEvent struct {
	EventID         string
	EventType       string
	Payload         json.RawMessage
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingError *string
}

// BillingEventPayload is the part of a billing event the service reads
type BillingEventPayload struct {
	EventID   string `json:"id" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
	Resource  struct {
		ID                 string `json:"id"`
		CustomID           string `json:"custom_id"`
		BillingAgreementID string `json:"billing_agreement_id"`
	} `json:"resource"`
}
