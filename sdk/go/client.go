package homelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Homeline HTTP API client.
type Client struct {
	BaseURL        string
	BearerToken    string
	IdempotencyKey string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application represents the API application model (partial).
type Application struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	BuyerID       string  `json:"buyer_id"`
	UnitID        string  `json:"unit_id"`
	PaymentMethod string  `json:"payment_method"`
	TotalAmount   string  `json:"total_amount"`
	Status        string  `json:"status"`
	Version       int64   `json:"version"`
	Phases        []Phase `json:"phases,omitempty"`
}

type Phase struct {
	ID       string `json:"id"`
	Order    int    `json:"order"`
	Category string `json:"category"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type Document struct {
	ID      string `json:"id"`
	PhaseID string `json:"phase_id"`
	Type    string `json:"type"`
	URL     string `json:"url"`
	Status  string `json:"status"`
}

type Installment struct {
	ID         string `json:"id"`
	PhaseID    string `json:"phase_id"`
	Seq        int    `json:"seq"`
	DueDate    string `json:"due_date"`
	Amount     string `json:"amount"`
	PaidAmount string `json:"paid_amount"`
	Status     string `json:"status"`
}

type Payment struct {
	ID            string `json:"id"`
	InstallmentID string `json:"installment_id"`
	ApplicationID string `json:"application_id"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference"`
}

type Event struct {
	ID          int64  `json:"id"`
	TenantID    string `json:"tenant_id"`
	EventType   string `json:"event_type"`
	PayloadJSON string `json:"payload_json"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// ActionStatus says who has to act next on an application.
type ActionStatus struct {
	NextActor      string `json:"next_actor"`
	ActionCategory string `json:"action_category"`
	ActionRequired string `json:"action_required"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development token and stores it on the client. Requires the
// server to run with --dev-auth.
func (c *Client) DevLogin(ctx context.Context, actorID, role, tenant string) error {
	body := map[string]any{"actor_id": actorID, "role": role, "tenant": tenant}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev-login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateApplication creates an application. Set IdempotencyKey on the client to
// make retries safe.
func (c *Client) CreateApplication(ctx context.Context, buyerID, unitID, paymentMethod, totalAmount string) (Application, error) {
	body := map[string]any{
		"buyer_id":       buyerID,
		"unit_id":        unitID,
		"payment_method": paymentMethod,
		"total_amount":   totalAmount,
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications", body, &resp)
	return resp, err
}

// GetApplication fetches an application with its phases.
func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SubmitApplication moves a draft into its first phase.
func (c *Client) SubmitApplication(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("applications/%s/submit", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// TerminateApplication cancels an application.
func (c *Client) TerminateApplication(ctx context.Context, id, reason string) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("applications/%s/terminate", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// TransferApplication hands an application over to another buyer.
func (c *Client) TransferApplication(ctx context.Context, id, newBuyerID string) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("applications/%s/transfer", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"new_buyer_id": newBuyerID}, &resp)
	return resp, err
}

// ActionStatus reports who acts next on an application.
func (c *Client) ActionStatus(ctx context.Context, id string) (ActionStatus, error) {
	var resp ActionStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("applications/%s/action-status", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SubmitAnswers submits questionnaire answers for a phase.
func (c *Client) SubmitAnswers(ctx context.Context, phaseID string, answers map[string]any) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("phases/%s/answers", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answers": answers}, &resp)
	return resp, err
}

// UploadDocument registers a document upload on a documentation phase.
func (c *Client) UploadDocument(ctx context.Context, phaseID, docType, docURL string) (Document, error) {
	var resp Document
	endpoint := fmt.Sprintf("phases/%s/documents", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"type": docType, "url": docURL}, &resp)
	return resp, err
}

// ReviewDocument approves or rejects a pending document.
func (c *Client) ReviewDocument(ctx context.Context, documentID, decision, notes string) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("documents/%s/review", url.PathEscape(documentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decision": decision, "notes": notes}, &resp)
	return resp, err
}

// GenerateInstallments creates the installment schedule for a payment phase.
func (c *Client) GenerateInstallments(ctx context.Context, phaseID string) ([]Installment, error) {
	var resp []Installment
	endpoint := fmt.Sprintf("phases/%s/installments", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordPayment records an external payment against an installment.
func (c *Client) RecordPayment(ctx context.Context, installmentID, amount, reference string) (Payment, error) {
	body := map[string]any{
		"installment_id": installmentID,
		"amount":         amount,
		"reference":      reference,
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments", body, &resp)
	return resp, err
}

// DecideGate records a gate decision for a phase.
func (c *Client) DecideGate(ctx context.Context, phaseID, decision, notes string) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("phases/%s/gate-decisions", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decision": decision, "notes": notes}, &resp)
	return resp, err
}

// Events lists workflow events after the given id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "events"
	if after > 0 || limit > 0 {
		endpoint = fmt.Sprintf("events?after=%d&limit=%d", after, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EmitEvent records an external event for dispatch.
func (c *Client) EmitEvent(ctx context.Context, eventType string, payload map[string]any) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "events", map[string]any{"type": eventType, "payload": payload}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.IdempotencyKey != "" && method == http.MethodPost {
		req.Header.Set("Idempotency-Key", c.IdempotencyKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
