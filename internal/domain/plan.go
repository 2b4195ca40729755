package domain

// Plan structures describe the category-specific blueprint a phase is
// instantiated from. They are authored in tenant config (YAML) and snapshotted
// as JSON onto the phase extension record at application creation, so later
// template edits never mutate in-flight applications.

// Scoring strategies.
const (
	StrategyMinAll      = "MIN_ALL"
	StrategySum         = "SUM"
	StrategyWeightedAvg = "WEIGHTED_AVG"
)

type QuestionnairePlan struct {
	Strategy     string         `json:"strategy" yaml:"strategy" enum:"MIN_ALL,SUM,WEIGHTED_AVG"`
	PassingScore float64        `json:"passing_score" yaml:"passing_score"`
	AutoDecision bool           `json:"auto_decision" yaml:"auto_decision"`
	ReviewerRole string         `json:"reviewer_role,omitempty" yaml:"reviewer_role"`
	Questions    []QuestionPlan `json:"questions" yaml:"questions"`
}

type QuestionPlan struct {
	Key    string        `json:"key" yaml:"key"`
	Weight float64       `json:"weight" yaml:"weight"`
	Rules  []ScoringRule `json:"rules" yaml:"rules"`
}

// ScoringRule scores a submitted answer; rules are ordered and the first match
// wins.
type ScoringRule struct {
	Op    string  `json:"op" yaml:"op" enum:"eq,neq,gt,gte,lt,lte,exists"`
	Value string  `json:"value,omitempty" yaml:"value"`
	Score float64 `json:"score" yaml:"score"`
}

type DocumentationPlan struct {
	Documents []DocumentDefinition `json:"documents" yaml:"documents"`
	Stages    []StagePlan          `json:"stages" yaml:"stages"`
}

// DocumentDefinition declares one document type. A definition with an empty
// Condition is unconditionally required; otherwise the condition is evaluated
// against the application's accumulated questionnaire answers at activation.
type DocumentDefinition struct {
	Type      string `json:"type" yaml:"type"`
	OwnerRole string `json:"owner_role" yaml:"owner_role"`
	Condition string `json:"condition,omitempty" yaml:"condition"`
}

type StagePlan struct {
	ReviewerOrgType     string `json:"reviewer_org_type" yaml:"reviewer_org_type"`
	WaitForAllDocuments bool   `json:"wait_for_all_documents" yaml:"wait_for_all_documents"`
	AutoTransition      bool   `json:"auto_transition" yaml:"auto_transition"`
	RejectionPolicy     string `json:"rejection_policy" yaml:"rejection_policy" enum:"CASCADE_BACK,CASCADE_PREVIOUS,FAIL"`
}

// PaymentPlan carves a share of the application total into installments.
// Exactly one of Percent or Amount must be set.
type PaymentPlan struct {
	Frequency string `json:"frequency" yaml:"frequency" enum:"ONE_TIME,MONTHLY"`
	Months    int    `json:"months,omitempty" yaml:"months"`
	Percent   string `json:"percent,omitempty" yaml:"percent"`
	Amount    string `json:"amount,omitempty" yaml:"amount"`
}

type GatePlan struct {
	RequiredApprovals int    `json:"required_approvals" yaml:"required_approvals"`
	AllowRetry        bool   `json:"allow_retry" yaml:"allow_retry"`
	ReviewerRole      string `json:"reviewer_role" yaml:"reviewer_role"`
}
