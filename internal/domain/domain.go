package domain

import "github.com/shopspring/decimal"

// Application statuses.
const (
	ApplicationDraft       = "DRAFT"
	ApplicationPending     = "PENDING"
	ApplicationActive      = "ACTIVE"
	ApplicationCompleted   = "COMPLETED"
	ApplicationTerminated  = "TERMINATED"
	ApplicationTransferred = "TRANSFERRED"
)

// Phase categories.
const (
	CategoryQuestionnaire = "QUESTIONNAIRE"
	CategoryDocumentation = "DOCUMENTATION"
	CategoryPayment       = "PAYMENT"
	CategoryGate          = "GATE"
)

// Phase statuses.
const (
	PhasePending          = "PENDING"
	PhaseInProgress       = "IN_PROGRESS"
	PhaseAwaitingApproval = "AWAITING_APPROVAL"
	PhaseCompleted        = "COMPLETED"
	PhaseSkipped          = "SKIPPED"
	PhaseFailed           = "FAILED"
)

// Document statuses.
const (
	DocumentPending  = "PENDING"
	DocumentApproved = "APPROVED"
	DocumentRejected = "REJECTED"
)

// Installment statuses.
const (
	InstallmentPending       = "PENDING"
	InstallmentPartiallyPaid = "PARTIALLY_PAID"
	InstallmentPaid          = "PAID"
	InstallmentOverdue       = "OVERDUE"
)

// Review and gate decisions.
const (
	DecisionApprove          = "APPROVE"
	DecisionReject           = "REJECT"
	DecisionChangesRequested = "CHANGES_REQUESTED"
)

// Rejection policies for approval stages.
const (
	RejectionCascadeBack     = "CASCADE_BACK"
	RejectionCascadePrevious = "CASCADE_PREVIOUS"
	RejectionFail            = "FAIL"
)

// Actor roles / organization types.
const (
	RoleCustomer  = "CUSTOMER"
	RoleAdmin     = "ADMIN"
	RoleLender    = "LENDER"
	RoleDeveloper = "DEVELOPER"
	RoleNone      = "NONE"
)

// Handler types.
const (
	HandlerSendEmail       = "SEND_EMAIL"
	HandlerSendSMS         = "SEND_SMS"
	HandlerSendPush        = "SEND_PUSH"
	HandlerCallWebhook     = "CALL_WEBHOOK"
	HandlerAdvanceWorkflow = "ADVANCE_WORKFLOW"
	HandlerRunAutomation   = "RUN_AUTOMATION"
)

// Workflow event statuses.
const (
	EventPending    = "PENDING"
	EventProcessing = "PROCESSING"
	EventCompleted  = "COMPLETED"
	EventFailed     = "FAILED"
	EventSkipped    = "SKIPPED"
)

// Handler execution statuses.
const (
	ExecutionSkipped   = "SKIPPED"
	ExecutionRunning   = "RUNNING"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
)

// Payment frequencies.
const (
	FrequencyOneTime = "ONE_TIME"
	FrequencyMonthly = "MONTHLY"
)

type Application struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	BuyerID       string          `json:"buyer_id"`
	UnitID        string          `json:"unit_id"`
	PaymentMethod string          `json:"payment_method"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status" enum:"DRAFT,PENDING,ACTIVE,COMPLETED,TERMINATED,TRANSFERRED"`
	Version       int64           `json:"version"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
	Phases        []Phase         `json:"phases,omitempty"`
}

type Phase struct {
	ID            string  `json:"id"`
	ApplicationID string  `json:"application_id"`
	Order         int     `json:"order"`
	Category      string  `json:"category" enum:"QUESTIONNAIRE,DOCUMENTATION,PAYMENT,GATE"`
	Name          string  `json:"name"`
	Status        string  `json:"status" enum:"PENDING,IN_PROGRESS,AWAITING_APPROVAL,COMPLETED,SKIPPED,FAILED"`
	ActivatedAt   *string `json:"activated_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// QuestionnairePhase is the QUESTIONNAIRE extension record, one per phase.
type QuestionnairePhase struct {
	PhaseID       string   `json:"phase_id"`
	PlanJSON      string   `json:"plan_json"`
	AnswersJSON   *string  `json:"answers_json,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	Decision      *string  `json:"decision,omitempty"`
	DecidedBy     *string  `json:"decided_by,omitempty"`
	DecisionNotes *string  `json:"decision_notes,omitempty"`
}

// DocumentationPhase is the DOCUMENTATION extension record. RequiredTypesJSON is
// the requirement set computed at activation; the template stays untouched.
type DocumentationPhase struct {
	PhaseID           string `json:"phase_id"`
	PlanJSON          string `json:"plan_json"`
	RequiredTypesJSON string `json:"required_types_json"`
	CurrentStage      int    `json:"current_stage"`
}

type ApprovalStage struct {
	ID                  string `json:"id"`
	PhaseID             string `json:"phase_id"`
	Order               int    `json:"order"`
	ReviewerOrgType     string `json:"reviewer_org_type"`
	WaitForAllDocuments bool   `json:"wait_for_all_documents"`
	AutoTransition      bool   `json:"auto_transition"`
	RejectionPolicy     string `json:"rejection_policy" enum:"CASCADE_BACK,CASCADE_PREVIOUS,FAIL"`
}

type Document struct {
	ID           string `json:"id"`
	PhaseID      string `json:"phase_id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	UploadedBy   string `json:"uploaded_by"`
	UploaderRole string `json:"uploader_role"`
	Status       string `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type DocumentReview struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	StageOrder int    `json:"stage_order"`
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision" enum:"APPROVE,REJECT"`
	Notes      string `json:"notes,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type PaymentPhase struct {
	PhaseID          string          `json:"phase_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	Frequency        string          `json:"frequency" enum:"ONE_TIME,MONTHLY"`
	InstallmentCount int             `json:"installment_count"`
	Generated        bool            `json:"generated"`
}

type Installment struct {
	ID         string          `json:"id"`
	PhaseID    string          `json:"phase_id"`
	Seq        int             `json:"seq"`
	DueDate    string          `json:"due_date" format:"date-time"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Status     string          `json:"status" enum:"PENDING,PARTIALLY_PAID,PAID,OVERDUE"`
}

type Payment struct {
	ID            string          `json:"id"`
	InstallmentID string          `json:"installment_id"`
	ApplicationID string          `json:"application_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	PaidBy        string          `json:"paid_by"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

type GatePhase struct {
	PhaseID           string `json:"phase_id"`
	RequiredApprovals int    `json:"required_approvals"`
	AllowRetry        bool   `json:"allow_retry"`
	ReviewerRole      string `json:"reviewer_role"`
}

type GateDecision struct {
	ID         string `json:"id"`
	PhaseID    string `json:"phase_id"`
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision" enum:"APPROVE,REJECT"`
	Notes      string `json:"notes,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type EventChannel struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
}

type EventType struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
}

type EventHandler struct {
	ID           string `json:"id"`
	EventTypeID  string `json:"event_type_id"`
	Type         string `json:"type" enum:"SEND_EMAIL,SEND_SMS,SEND_PUSH,CALL_WEBHOOK,ADVANCE_WORKFLOW,RUN_AUTOMATION"`
	ConfigJSON   string `json:"config_json"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
	MaxRetries   int    `json:"max_retries"`
	RetryDelayMs int    `json:"retry_delay_ms"`
	FilterExpr   string `json:"filter_expr,omitempty"`
}

// WorkflowEvent is one emitted occurrence. Immutable after creation except for
// status, processed_at and error.
type WorkflowEvent struct {
	ID            int64   `json:"id"`
	TenantID      string  `json:"tenant_id"`
	EventType     string  `json:"event_type"`
	PayloadJSON   string  `json:"payload_json"`
	Source        string  `json:"source"`
	ActorID       string  `json:"actor_id"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	CausationID   string  `json:"causation_id,omitempty"`
	Status        string  `json:"status" enum:"PENDING,PROCESSING,COMPLETED,FAILED,SKIPPED"`
	Error         string  `json:"error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
}

// HandlerExecution is one handler attempt against one workflow event.
// Append-only; a retry creates a new row.
type HandlerExecution struct {
	ID         string  `json:"id"`
	EventID    int64   `json:"event_id"`
	HandlerID  string  `json:"handler_id"`
	Status     string  `json:"status" enum:"SKIPPED,RUNNING,COMPLETED,FAILED"`
	InputJSON  string  `json:"input_json,omitempty"`
	OutputJSON string  `json:"output_json,omitempty"`
	Error      string  `json:"error,omitempty"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	DurationMs int64   `json:"duration_ms"`
}

// ActionStatus is the derived "who acts next" projection.
type ActionStatus struct {
	NextActor      string `json:"next_actor" enum:"CUSTOMER,ADMIN,LENDER,DEVELOPER,NONE"`
	ActionCategory string `json:"action_category"`
	ActionRequired string `json:"action_required"`
}
