package server

import "homeline/internal/domain"

// Request payloads

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"CUSTOMER,ADMIN,LENDER,DEVELOPER"`
	Tenant  string `json:"tenant,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreateApplicationRequest struct {
	BuyerID       string `json:"buyer_id"`
	UnitID        string `json:"unit_id"`
	PaymentMethod string `json:"payment_method"`
	TotalAmount   string `json:"total_amount" example:"25000000.00"`
}

type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransferRequest struct {
	NewBuyerID string `json:"new_buyer_id"`
}

type SubmitAnswersRequest struct {
	Answers map[string]any `json:"answers"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"APPROVE,REJECT,CHANGES_REQUESTED"`
	Notes    string `json:"notes,omitempty"`
}

type UploadDocumentRequest struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type DocumentReviewRequest struct {
	Decision string `json:"decision" enum:"APPROVE,REJECT"`
	Notes    string `json:"notes,omitempty"`
}

type RecordPaymentRequest struct {
	InstallmentID string `json:"installment_id"`
	Amount        string `json:"amount" example:"100.00"`
	Reference     string `json:"reference"`
}

type GateDecisionRequest struct {
	Decision string `json:"decision" enum:"APPROVE,REJECT"`
	Notes    string `json:"notes,omitempty"`
}

type EmitEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type EnableRequest struct {
	Enabled bool `json:"enabled"`
}

type HandlerRequest struct {
	EventType    string         `json:"event_type"`
	Type         string         `json:"type" enum:"SEND_EMAIL,SEND_SMS,SEND_PUSH,CALL_WEBHOOK,ADVANCE_WORKFLOW,RUN_AUTOMATION"`
	Config       map[string]any `json:"config"`
	Priority     int            `json:"priority,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	RetryDelayMs int            `json:"retry_delay_ms,omitempty"`
	Filter       string         `json:"filter,omitempty"`
}

type UpdateHandlerRequest struct {
	Config       map[string]any `json:"config,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
	MaxRetries   *int           `json:"max_retries,omitempty"`
	RetryDelayMs *int           `json:"retry_delay_ms,omitempty"`
	Filter       *string        `json:"filter,omitempty"`
}

// Response payloads

type EventResponse struct {
	domain.WorkflowEvent
	Executions []domain.HandlerExecution `json:"executions,omitempty"`
}
