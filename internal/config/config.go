package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"homeline/internal/condition"
	"homeline/internal/domain"
)

// Config models homeline.yml: the tenant's payment-method templates, event
// taxonomy and handler seeds. A validated copy is stored per tenant in the DB
// and snapshotted onto applications at creation.
type Config struct {
	Tenant struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"tenant" json:"tenant"`
	PaymentMethods []PaymentMethod `yaml:"payment_methods" json:"payment_methods"`
	Events         EventsConfig    `yaml:"events" json:"events"`
	Handlers       []HandlerSeed   `yaml:"handlers" json:"handlers"`
	Dispatch       DispatchConfig  `yaml:"dispatch" json:"dispatch"`
}

// PaymentMethod is an ordered list of phase blueprints.
type PaymentMethod struct {
	Name         string          `yaml:"name" json:"name"`
	AutoActivate bool            `yaml:"auto_activate" json:"auto_activate"`
	Phases       []PhaseTemplate `yaml:"phases" json:"phases"`
}

// PhaseTemplate carries exactly one category-specific plan.
type PhaseTemplate struct {
	Name          string                    `yaml:"name" json:"name"`
	Category      string                    `yaml:"category" json:"category"`
	Questionnaire *domain.QuestionnairePlan `yaml:"questionnaire,omitempty" json:"questionnaire,omitempty"`
	Documentation *domain.DocumentationPlan `yaml:"documentation,omitempty" json:"documentation,omitempty"`
	Payment       *domain.PaymentPlan       `yaml:"payment,omitempty" json:"payment,omitempty"`
	Gate          *domain.GatePlan          `yaml:"gate,omitempty" json:"gate,omitempty"`
}

type EventsConfig struct {
	Channels []ChannelConfig `yaml:"channels" json:"channels"`
}

type ChannelConfig struct {
	Code    string       `yaml:"code" json:"code"`
	Name    string       `yaml:"name" json:"name"`
	Enabled *bool        `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Types   []TypeConfig `yaml:"types" json:"types"`
}

type TypeConfig struct {
	Code    string `yaml:"code" json:"code"`
	Name    string `yaml:"name" json:"name"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// HandlerSeed declares an event handler in config; it is upserted into the DB
// at bootstrap and editable afterwards through the admin API.
type HandlerSeed struct {
	EventType    string         `yaml:"event_type" json:"event_type"`
	Type         string         `yaml:"type" json:"type"`
	Priority     int            `yaml:"priority" json:"priority"`
	Enabled      *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxRetries   int            `yaml:"max_retries" json:"max_retries"`
	RetryDelayMs int            `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	Filter       string         `yaml:"filter,omitempty" json:"filter,omitempty"`
	Config       map[string]any `yaml:"config" json:"config"`
}

type DispatchConfig struct {
	PollIntervalSeconds   int `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds" json:"webhook_timeout_seconds"`
	Batch                 int `yaml:"batch" json:"batch"`
}

var validCategories = map[string]bool{
	domain.CategoryQuestionnaire: true,
	domain.CategoryDocumentation: true,
	domain.CategoryPayment:       true,
	domain.CategoryGate:          true,
}

var validHandlerTypes = map[string]bool{
	domain.HandlerSendEmail:       true,
	domain.HandlerSendSMS:         true,
	domain.HandlerSendPush:        true,
	domain.HandlerCallWebhook:     true,
	domain.HandlerAdvanceWorkflow: true,
	domain.HandlerRunAutomation:   true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.PaymentMethods) == 0 {
		return fmt.Errorf("config.payment_methods is required")
	}
	seen := map[string]bool{}
	for _, pm := range c.PaymentMethods {
		if pm.Name == "" {
			return fmt.Errorf("payment method with empty name")
		}
		if seen[pm.Name] {
			return fmt.Errorf("duplicate payment method %s", pm.Name)
		}
		seen[pm.Name] = true
		if err := validatePhases(pm); err != nil {
			return fmt.Errorf("payment method %s: %w", pm.Name, err)
		}
	}
	typeCodes := map[string]bool{}
	for _, ch := range c.Events.Channels {
		if ch.Code == "" {
			return fmt.Errorf("event channel with empty code")
		}
		for _, tp := range ch.Types {
			if tp.Code == "" {
				return fmt.Errorf("channel %s has event type with empty code", ch.Code)
			}
			if typeCodes[tp.Code] {
				return fmt.Errorf("duplicate event type %s", tp.Code)
			}
			typeCodes[tp.Code] = true
		}
	}
	for i, h := range c.Handlers {
		if !typeCodes[h.EventType] {
			return fmt.Errorf("handler %d references unknown event type %s", i, h.EventType)
		}
		if !validHandlerTypes[h.Type] {
			return fmt.Errorf("handler %d has unknown type %s", i, h.Type)
		}
		if h.Filter != "" {
			if _, err := condition.Parse(h.Filter); err != nil {
				return fmt.Errorf("handler %d filter: %w", i, err)
			}
		}
	}
	return nil
}

func validatePhases(pm PaymentMethod) error {
	if len(pm.Phases) == 0 {
		return fmt.Errorf("no phases")
	}
	percentSum := decimal.Zero
	hasFixed := false
	for i, ph := range pm.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase %d has empty name", i+1)
		}
		if !validCategories[ph.Category] {
			return fmt.Errorf("phase %s has unknown category %s", ph.Name, ph.Category)
		}
		switch ph.Category {
		case domain.CategoryQuestionnaire:
			if ph.Questionnaire == nil {
				return fmt.Errorf("phase %s missing questionnaire plan", ph.Name)
			}
			if err := validateQuestionnaire(ph.Questionnaire); err != nil {
				return fmt.Errorf("phase %s: %w", ph.Name, err)
			}
		case domain.CategoryDocumentation:
			if ph.Documentation == nil {
				return fmt.Errorf("phase %s missing documentation plan", ph.Name)
			}
			if err := validateDocumentation(ph.Documentation); err != nil {
				return fmt.Errorf("phase %s: %w", ph.Name, err)
			}
		case domain.CategoryPayment:
			if ph.Payment == nil {
				return fmt.Errorf("phase %s missing payment plan", ph.Name)
			}
			p := ph.Payment
			if p.Frequency != domain.FrequencyOneTime && p.Frequency != domain.FrequencyMonthly {
				return fmt.Errorf("phase %s has unknown frequency %s", ph.Name, p.Frequency)
			}
			if p.Frequency == domain.FrequencyMonthly && p.Months <= 0 {
				return fmt.Errorf("phase %s: monthly plan requires months", ph.Name)
			}
			if (p.Percent == "") == (p.Amount == "") {
				return fmt.Errorf("phase %s: exactly one of percent or amount required", ph.Name)
			}
			if p.Percent != "" {
				pct, err := decimal.NewFromString(p.Percent)
				if err != nil {
					return fmt.Errorf("phase %s: invalid percent %q", ph.Name, p.Percent)
				}
				percentSum = percentSum.Add(pct)
			} else {
				if _, err := decimal.NewFromString(p.Amount); err != nil {
					return fmt.Errorf("phase %s: invalid amount %q", ph.Name, p.Amount)
				}
				hasFixed = true
			}
		case domain.CategoryGate:
			if ph.Gate == nil {
				return fmt.Errorf("phase %s missing gate plan", ph.Name)
			}
			if ph.Gate.RequiredApprovals < 1 {
				return fmt.Errorf("phase %s: required_approvals must be >= 1", ph.Name)
			}
		}
	}
	// Percent-only payment plans must cover the full application amount.
	if !hasFixed && !percentSum.IsZero() && !percentSum.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("payment phase percents sum to %s, want 100", percentSum)
	}
	return nil
}

func validateQuestionnaire(q *domain.QuestionnairePlan) error {
	switch q.Strategy {
	case domain.StrategyMinAll, domain.StrategySum, domain.StrategyWeightedAvg:
	default:
		return fmt.Errorf("unknown scoring strategy %s", q.Strategy)
	}
	if len(q.Questions) == 0 {
		return fmt.Errorf("questionnaire has no questions")
	}
	for _, question := range q.Questions {
		if question.Key == "" {
			return fmt.Errorf("question with empty key")
		}
		for _, rule := range question.Rules {
			switch condition.Op(rule.Op) {
			case condition.OpEq, condition.OpNeq, condition.OpGt, condition.OpGte, condition.OpLt, condition.OpLte, condition.OpExists:
			default:
				return fmt.Errorf("question %s has unknown rule op %s", question.Key, rule.Op)
			}
		}
	}
	return nil
}

func validateDocumentation(d *domain.DocumentationPlan) error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("documentation plan has no stages")
	}
	for i, st := range d.Stages {
		switch st.RejectionPolicy {
		case domain.RejectionCascadeBack, domain.RejectionCascadePrevious, domain.RejectionFail, "":
		default:
			return fmt.Errorf("stage %d has unknown rejection policy %s", i+1, st.RejectionPolicy)
		}
		if st.ReviewerOrgType == "" {
			return fmt.Errorf("stage %d has empty reviewer org type", i+1)
		}
	}
	for _, def := range d.Documents {
		if def.Type == "" {
			return fmt.Errorf("document definition with empty type")
		}
		if def.Condition != "" {
			if _, err := condition.Parse(def.Condition); err != nil {
				return fmt.Errorf("document %s condition: %w", def.Type, err)
			}
		}
	}
	return nil
}

// Method returns the named payment-method template.
func (c *Config) Method(name string) (PaymentMethod, bool) {
	for _, pm := range c.PaymentMethods {
		if pm.Name == name {
			return pm, true
		}
	}
	return PaymentMethod{}, false
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with hl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "homeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

const defaultTemplate = `tenant:
  id: %s

payment_methods:
  - name: standard-mortgage
    auto_activate: true
    phases:
      - name: Eligibility
        category: QUESTIONNAIRE
        questionnaire:
          strategy: MIN_ALL
          passing_score: 70
          auto_decision: true
          reviewer_role: LENDER
          questions:
            - key: mortgage_type
              weight: 1
              rules:
                - { op: eq, value: SINGLE, score: 100 }
                - { op: eq, value: JOINT, score: 100 }
            - key: monthly_income
              weight: 1
              rules:
                - { op: gte, value: "500000", score: 100 }
                - { op: gte, value: "200000", score: 70 }
                - { op: exists, score: 30 }
      - name: Document Collection
        category: DOCUMENTATION
        documentation:
          documents:
            - type: government_id
              owner_role: CUSTOMER
            - type: bank_statement
              owner_role: CUSTOMER
            - type: spouse_consent
              owner_role: CUSTOMER
              condition: "mortgage_type == JOINT"
          stages:
            - reviewer_org_type: DEVELOPER
              wait_for_all_documents: true
              auto_transition: true
              rejection_policy: CASCADE_BACK
            - reviewer_org_type: LENDER
              wait_for_all_documents: true
              auto_transition: true
              rejection_policy: CASCADE_BACK
      - name: Down Payment
        category: PAYMENT
        payment:
          frequency: ONE_TIME
          percent: "10"
      - name: Mortgage Installments
        category: PAYMENT
        payment:
          frequency: MONTHLY
          months: 12
          percent: "90"
      - name: Offer Acceptance
        category: GATE
        gate:
          required_approvals: 1
          allow_retry: false
          reviewer_role: LENDER

events:
  channels:
    - code: MORTGAGE
      name: Mortgage lifecycle
      types:
        - { code: APPLICATION_CREATED, name: Application created }
        - { code: APPLICATION_SUBMITTED, name: Application submitted }
        - { code: APPLICATION_COMPLETED, name: Application completed }
        - { code: APPLICATION_TERMINATED, name: Application terminated }
        - { code: APPLICATION_TRANSFERRED, name: Application transferred }
        - { code: PHASE_ACTIVATED, name: Phase activated }
        - { code: PHASE_COMPLETED, name: Phase completed }
        - { code: PHASE_FAILED, name: Phase failed }
    - code: DOCUMENTS
      name: Document review
      types:
        - { code: DOCUMENT_UPLOADED, name: Document uploaded }
        - { code: DOCUMENT_REVIEWED, name: Document reviewed }
        - { code: STAGE_ADVANCED, name: Approval stage advanced }
    - code: PAYMENTS
      name: Payments
      types:
        - { code: INSTALLMENTS_GENERATED, name: Installments generated }
        - { code: PAYMENT_RECORDED, name: Payment recorded }
    - code: REVIEWS
      name: Questionnaire and gate decisions
      types:
        - { code: QUESTIONNAIRE_SUBMITTED, name: Questionnaire submitted }
        - { code: QUESTIONNAIRE_REVIEWED, name: Questionnaire reviewed }
        - { code: GATE_DECIDED, name: Gate decision recorded }

handlers:
  - event_type: DOCUMENT_UPLOADED
    type: SEND_EMAIL
    priority: 10
    max_retries: 3
    retry_delay_ms: 5000
    config:
      template: document-uploaded
      params:
        subject: A document needs review
      param_paths:
        document_type: document.type
        application_id: application_id
  - event_type: PAYMENT_RECORDED
    type: ADVANCE_WORKFLOW
    priority: 10
    max_retries: 3
    retry_delay_ms: 5000
    config:
      phase_id_path: phase_id

dispatch:
  poll_interval_seconds: 2
  webhook_timeout_seconds: 5
  batch: 100
`
