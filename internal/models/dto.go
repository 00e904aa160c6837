package models

// ==================== Internal API DTOs ====================

// CreateOrderRequest is sent by checkout to register a pending order
type CreateOrderRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	UserEmail      string `json:"user_email"`
	PlanID         string `json:"plan_id" binding:"required"`
	Region         string `json:"region" binding:"required"`
	ServerName     string `json:"server_name"`
	SubscriptionID string `json:"subscription_id"`
}

// FinalizeOrderRequest confirms a checkout against the billing provider
type FinalizeOrderRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

// CancelOrderRequest cancels a pending or paid order
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// ProvisionResult is the outcome of one provision call
type ProvisionResult struct {
	Success                    bool   `json:"success"`
	OrderID                    string `json:"order_id"`
	Status                     string `json:"status"`
	ExternalResourceID         string `json:"external_resource_id,omitempty"`
	ExternalResourceIdentifier string `json:"external_resource_identifier,omitempty"`
	Error                      string `json:"error,omitempty"`
	Retryable                  bool   `json:"retryable,omitempty"`
}

// OrderStatusResponse is the detailed order view
type OrderStatusResponse struct {
	OrderID                    string  `json:"order_id"`
	UserID                     string  `json:"user_id"`
	PlanID                     string  `json:"plan_id"`
	Region                     string  `json:"region"`
	ServerName                 string  `json:"server_name"`
	Status                     string  `json:"status"`
	ExternalResourceID         *string `json:"external_resource_id,omitempty"`
	ExternalResourceIdentifier *string `json:"external_resource_identifier,omitempty"`
	ProvisionAttemptCount      int     `json:"provision_attempt_count"`
	LastProvisionAttemptAt     *string `json:"last_provision_attempt_at,omitempty"`
	LastProvisionError         *string `json:"last_provision_error,omitempty"`
	CreatedAt                  string  `json:"created_at"`
	ProvisionedAt              *string `json:"provisioned_at,omitempty"`
}

// ==================== Ops DTOs ====================

// OpsSummary is the read-only operator overview
type OpsSummary struct {
	OrdersByStatus        map[string]int `json:"orders_by_status"`
	StuckOrders           int            `json:"stuck_orders"`
	LastWebhookReceivedAt *string        `json:"last_webhook_received_at,omitempty"`
	UnprocessedWebhooks   int            `json:"unprocessed_webhooks"`
	GeneratedAt           string         `json:"generated_at"`
}

// AuditReport summarizes one auditor sweep
type AuditReport struct {
	Scanned     int      `json:"scanned"`
	Retried     int      `json:"retried"`
	Skipped     int      `json:"skipped"`
	Repaired    int      `json:"repaired"`
	Failed      int      `json:"failed"`
	Vanished    int      `json:"vanished"`
	Errors      []string `json:"errors,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at"`
}

// WebhookAck is returned to the billing provider for every accepted event
type WebhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"event_id"`
}
