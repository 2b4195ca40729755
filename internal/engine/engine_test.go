package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"homeline/internal/app"
	"homeline/internal/config"
	"homeline/internal/db"
	"homeline/internal/domain"
	"homeline/internal/engine"
	"homeline/internal/events"
	"homeline/internal/migrate"
	"homeline/internal/repo"
)

const tenant = "tenant-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cfg := config.Default(tenant)
	if err := app.Install(ctx, conn, cfg, ""); err != nil {
		t.Fatalf("install config: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func newApplication(t *testing.T, env testEnv, total string) domain.Application {
	t.Helper()
	amount, err := decimal.NewFromString(total)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID:      tenant,
		BuyerID:       "buyer-1",
		UnitID:        "unit-7",
		PaymentMethod: "standard-mortgage",
		TotalAmount:   amount,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	return a
}

func phaseByName(t *testing.T, a domain.Application, name string) domain.Phase {
	t.Helper()
	for _, p := range a.Phases {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no phase %q", name)
	return domain.Phase{}
}

func reload(t *testing.T, env testEnv, id string) domain.Application {
	t.Helper()
	a, err := env.Engine.Repo.GetApplication(env.Ctx, tenant, id)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	a.Phases, err = env.Engine.Repo.ListPhases(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	return a
}

// passEligibility auto-passes the questionnaire. mortgageType decides whether
// spouse_consent becomes a required document downstream.
func passEligibility(t *testing.T, env testEnv, a domain.Application, mortgageType string) domain.Application {
	t.Helper()
	p := phaseByName(t, a, "Eligibility")
	res, err := env.Engine.SubmitAnswers(env.Ctx, tenant, p.ID, map[string]any{
		"mortgage_type":  mortgageType,
		"monthly_income": "600000",
	}, "buyer-1")
	if err != nil {
		t.Fatalf("submit answers: %v", err)
	}
	return res
}

func approveDocs(t *testing.T, env testEnv, phaseID, reviewerID, role string) domain.Application {
	t.Helper()
	var a domain.Application
	docs, err := env.Engine.Repo.ListDocuments(env.Ctx, phaseID)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	seen := map[string]bool{}
	for i := len(docs) - 1; i >= 0; i-- {
		d := docs[i]
		if seen[d.Type] || d.Status != domain.DocumentPending {
			continue
		}
		seen[d.Type] = true
		a, err = env.Engine.ReviewDocument(env.Ctx, engine.ReviewDocumentOptions{
			TenantID:   tenant,
			DocumentID: d.ID,
			Decision:   domain.DecisionApprove,
			ReviewerID: reviewerID,
			Role:       role,
		})
		if err != nil {
			t.Fatalf("approve %s: %v", d.Type, err)
		}
	}
	return a
}

// completeDocumentation uploads the unconditional documents and walks them
// through both review stages.
func completeDocumentation(t *testing.T, env testEnv, a domain.Application) domain.Application {
	t.Helper()
	p := phaseByName(t, a, "Document Collection")
	for _, docType := range []string{"government_id", "bank_statement"} {
		if _, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
			TenantID:     tenant,
			PhaseID:      p.ID,
			Type:         docType,
			URL:          "https://files.example/" + docType,
			UploadedBy:   "buyer-1",
			UploaderRole: domain.RoleCustomer,
		}); err != nil {
			t.Fatalf("upload %s: %v", docType, err)
		}
	}
	approveDocs(t, env, p.ID, "dev-1", domain.RoleDeveloper)
	return approveDocs(t, env, p.ID, "lender-1", domain.RoleLender)
}

func installmentByID(t *testing.T, env testEnv, phaseID, id string) domain.Installment {
	t.Helper()
	installments, err := env.Engine.Repo.ListInstallments(env.Ctx, phaseID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	for _, in := range installments {
		if in.ID == id {
			return in
		}
	}
	t.Fatalf("no installment %s", id)
	return domain.Installment{}
}

func payPhase(t *testing.T, env testEnv, phaseID, refPrefix string) domain.Application {
	t.Helper()
	installments, err := env.Engine.GenerateInstallments(env.Ctx, tenant, phaseID, "admin-1")
	if err != nil {
		t.Fatalf("generate installments: %v", err)
	}
	var appID string
	for i, in := range installments {
		p, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
			TenantID:      tenant,
			InstallmentID: in.ID,
			Amount:        in.Amount,
			Reference:     refPrefix + "-" + in.ID,
			PaidBy:        "buyer-1",
		})
		if err != nil {
			t.Fatalf("pay installment %d: %v", i+1, err)
		}
		appID = p.ApplicationID
	}
	return reload(t, env, appID)
}

func TestCreateApplicationActivatesFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")

	if a.Status != domain.ApplicationActive {
		t.Fatalf("expected ACTIVE after auto-activate, got %s", a.Status)
	}
	if len(a.Phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(a.Phases))
	}
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseInProgress {
		t.Fatalf("first phase should be IN_PROGRESS, got %s", got)
	}
	for _, name := range []string{"Document Collection", "Down Payment", "Mortgage Installments", "Offer Acceptance"} {
		if got := phaseByName(t, a, name).Status; got != domain.PhasePending {
			t.Fatalf("phase %s should be PENDING, got %s", name, got)
		}
	}

	// auto-activate persists the status change, not just the in-memory copy
	stored := reload(t, env, a.ID)
	if stored.Status != domain.ApplicationActive {
		t.Fatalf("stored status %s, want ACTIVE", stored.Status)
	}
	if stored.Version != 2 {
		t.Fatalf("stored version %d, want 2", stored.Version)
	}

	down, err := env.Engine.Repo.GetPaymentPhase(env.Ctx, phaseByName(t, a, "Down Payment").ID)
	if err != nil {
		t.Fatalf("get down payment: %v", err)
	}
	if !down.TotalAmount.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("down payment share %s, want 100.00", down.TotalAmount)
	}
	mortgage, err := env.Engine.Repo.GetPaymentPhase(env.Ctx, phaseByName(t, a, "Mortgage Installments").ID)
	if err != nil {
		t.Fatalf("get mortgage phase: %v", err)
	}
	if !mortgage.TotalAmount.Equal(decimal.RequireFromString("900.00")) {
		t.Fatalf("mortgage share %s, want 900.00", mortgage.TotalAmount)
	}
}

func TestCreateApplicationValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError

	_, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "b", UnitID: "u",
		PaymentMethod: "no-such-method",
		TotalAmount:   decimal.RequireFromString("100"),
	})
	if !errors.As(err, &ve) {
		t.Fatalf("unknown method: expected validation error, got %v", err)
	}

	_, err = env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "b", UnitID: "u",
		PaymentMethod: "standard-mortgage",
		TotalAmount:   decimal.Zero,
	})
	if !errors.As(err, &ve) {
		t.Fatalf("zero amount: expected validation error, got %v", err)
	}
}

func TestQuestionnaireAutoApproval(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")

	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseCompleted {
		t.Fatalf("eligibility should auto-complete, got %s", got)
	}
	if got := phaseByName(t, a, "Document Collection").Status; got != domain.PhaseInProgress {
		t.Fatalf("documentation should activate, got %s", got)
	}

	qp, err := env.Engine.Repo.GetQuestionnairePhase(env.Ctx, phaseByName(t, a, "Eligibility").ID)
	if err != nil {
		t.Fatalf("get questionnaire: %v", err)
	}
	if qp.Score == nil || *qp.Score != 100 {
		t.Fatalf("expected score 100, got %v", qp.Score)
	}
	if qp.Decision == nil || *qp.Decision != domain.DecisionApprove || qp.DecidedBy == nil || *qp.DecidedBy != "auto" {
		t.Fatalf("expected auto approval, got %v by %v", qp.Decision, qp.DecidedBy)
	}

	// spouse_consent is conditional on JOINT and must not be accepted here
	docPhase := phaseByName(t, a, "Document Collection")
	var ve engine.ValidationError
	_, err = env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
		TenantID: tenant, PhaseID: docPhase.ID, Type: "spouse_consent",
		URL: "https://files.example/sc", UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unrequired type, got %v", err)
	}
}

func TestQuestionnaireManualReview(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	p := phaseByName(t, a, "Eligibility")

	// low income scores 30 under MIN_ALL, below the passing score of 70
	a, err := env.Engine.SubmitAnswers(env.Ctx, tenant, p.ID, map[string]any{
		"mortgage_type":  "SINGLE",
		"monthly_income": "100000",
	}, "buyer-1")
	if err != nil {
		t.Fatalf("submit answers: %v", err)
	}
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", got)
	}

	status, err := env.Engine.ActionStatus(env.Ctx, tenant, a.ID)
	if err != nil {
		t.Fatalf("action status: %v", err)
	}
	if status.NextActor != domain.RoleLender || status.ActionRequired != "review_questionnaire" {
		t.Fatalf("expected LENDER review_questionnaire, got %+v", status)
	}

	var ve engine.ValidationError
	_, err = env.Engine.ReviewQuestionnaire(env.Ctx, tenant, p.ID, domain.DecisionApprove, "", "c-1", domain.RoleCustomer)
	if !errors.As(err, &ve) {
		t.Fatalf("customer should not review, got %v", err)
	}

	// changes requested reopens the phase for resubmission
	a, err = env.Engine.ReviewQuestionnaire(env.Ctx, tenant, p.ID, domain.DecisionChangesRequested, "income proof?", "lender-1", domain.RoleLender)
	if err != nil {
		t.Fatalf("changes requested: %v", err)
	}
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseInProgress {
		t.Fatalf("expected IN_PROGRESS after changes requested, got %s", got)
	}

	a, err = env.Engine.SubmitAnswers(env.Ctx, tenant, p.ID, map[string]any{
		"mortgage_type":  "SINGLE",
		"monthly_income": "100000",
	}, "buyer-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	a, err = env.Engine.ReviewQuestionnaire(env.Ctx, tenant, p.ID, domain.DecisionApprove, "ok", "lender-1", domain.RoleLender)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseCompleted {
		t.Fatalf("expected COMPLETED after approval, got %s", got)
	}
}

func TestQuestionnaireRejectTerminates(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	p := phaseByName(t, a, "Eligibility")

	if _, err := env.Engine.SubmitAnswers(env.Ctx, tenant, p.ID, map[string]any{
		"monthly_income": "100000",
	}, "buyer-1"); err != nil {
		t.Fatalf("submit answers: %v", err)
	}
	a, err := env.Engine.ReviewQuestionnaire(env.Ctx, tenant, p.ID, domain.DecisionReject, "no", "lender-1", domain.RoleLender)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != domain.ApplicationTerminated {
		t.Fatalf("expected TERMINATED, got %s", a.Status)
	}
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseFailed {
		t.Fatalf("expected FAILED phase, got %s", got)
	}
}

func TestConditionalDocumentRequired(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "JOINT")

	docPhase := phaseByName(t, a, "Document Collection")
	doc, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
		TenantID: tenant, PhaseID: docPhase.ID, Type: "spouse_consent",
		URL: "https://files.example/sc", UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
	})
	if err != nil {
		t.Fatalf("upload spouse_consent: %v", err)
	}
	if doc.Status != domain.DocumentPending {
		t.Fatalf("customer upload should be PENDING, got %s", doc.Status)
	}
}

func TestDocumentationStageFlow(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	docPhase := phaseByName(t, a, "Document Collection")

	for _, docType := range []string{"government_id", "bank_statement"} {
		if _, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
			TenantID: tenant, PhaseID: docPhase.ID, Type: docType,
			URL: "https://files.example/" + docType, UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
		}); err != nil {
			t.Fatalf("upload %s: %v", docType, err)
		}
	}

	// stage 1 (DEVELOPER) approves both; the stage auto-advances and reopens
	// the documents for stage 2 review
	approveDocs(t, env, docPhase.ID, "dev-1", domain.RoleDeveloper)
	dp, err := env.Engine.Repo.GetDocumentationPhase(env.Ctx, docPhase.ID)
	if err != nil {
		t.Fatalf("get documentation phase: %v", err)
	}
	if dp.CurrentStage != 2 {
		t.Fatalf("expected stage 2, got %d", dp.CurrentStage)
	}
	docs, err := env.Engine.Repo.ListDocuments(env.Ctx, docPhase.ID)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	for _, d := range docs {
		if d.Status != domain.DocumentPending {
			t.Fatalf("document %s should be reopened, got %s", d.Type, d.Status)
		}
	}

	a = approveDocs(t, env, docPhase.ID, "lender-1", domain.RoleLender)
	if got := phaseByName(t, a, "Document Collection").Status; got != domain.PhaseCompleted {
		t.Fatalf("documentation should complete after stage 2, got %s", got)
	}
	if got := phaseByName(t, a, "Down Payment").Status; got != domain.PhaseInProgress {
		t.Fatalf("down payment should activate, got %s", got)
	}
}

func TestUploaderRoleAutoApproval(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	docPhase := phaseByName(t, a, "Document Collection")

	// stage 1 reviewer is DEVELOPER, so a developer upload needs no review
	doc, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
		TenantID: tenant, PhaseID: docPhase.ID, Type: "government_id",
		URL: "https://files.example/id", UploadedBy: "dev-1", UploaderRole: domain.RoleDeveloper,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Status != domain.DocumentApproved {
		t.Fatalf("reviewer-role upload should be APPROVED, got %s", doc.Status)
	}
}

func TestDocumentRejectionCascadesBack(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	docPhase := phaseByName(t, a, "Document Collection")

	for _, docType := range []string{"government_id", "bank_statement"} {
		if _, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
			TenantID: tenant, PhaseID: docPhase.ID, Type: docType,
			URL: "https://files.example/" + docType, UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
		}); err != nil {
			t.Fatalf("upload %s: %v", docType, err)
		}
	}
	approveDocs(t, env, docPhase.ID, "dev-1", domain.RoleDeveloper)

	// stage 2 rejects one document; CASCADE_BACK restarts review at stage 1
	docs, _ := env.Engine.Repo.ListDocuments(env.Ctx, docPhase.ID)
	var target domain.Document
	for _, d := range docs {
		if d.Type == "bank_statement" {
			target = d
		}
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewDocumentOptions{
		TenantID: tenant, DocumentID: target.ID,
		Decision: domain.DecisionReject, Notes: "illegible",
		ReviewerID: "lender-1", Role: domain.RoleLender,
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	dp, err := env.Engine.Repo.GetDocumentationPhase(env.Ctx, docPhase.ID)
	if err != nil {
		t.Fatalf("get documentation phase: %v", err)
	}
	if dp.CurrentStage != 1 {
		t.Fatalf("expected cascade back to stage 1, got %d", dp.CurrentStage)
	}
	d, err := env.Engine.Repo.GetDocument(env.Ctx, target.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if d.Status != domain.DocumentRejected {
		t.Fatalf("rejected document should stay REJECTED, got %s", d.Status)
	}

	// re-upload supersedes the rejection and the phase can still finish
	if _, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
		TenantID: tenant, PhaseID: docPhase.ID, Type: "bank_statement",
		URL: "https://files.example/bank2", UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
	}); err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	approveDocs(t, env, docPhase.ID, "dev-1", domain.RoleDeveloper)
	a = approveDocs(t, env, docPhase.ID, "lender-1", domain.RoleLender)
	if got := phaseByName(t, a, "Document Collection").Status; got != domain.PhaseCompleted {
		t.Fatalf("expected COMPLETED after re-review, got %s", got)
	}
}

func TestInstallmentRounding(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1234.56")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)

	// 10% down payment truncates to 123.45; the remainder moves to the last
	// percent phase so the shares still sum to the application total
	downPhase := phaseByName(t, a, "Down Payment")
	down, err := env.Engine.GenerateInstallments(env.Ctx, tenant, downPhase.ID, "admin-1")
	if err != nil {
		t.Fatalf("generate down payment: %v", err)
	}
	if len(down) != 1 || !down[0].Amount.Equal(decimal.RequireFromString("123.45")) {
		t.Fatalf("down payment installment %v, want one of 123.45", down)
	}

	if _, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: down[0].ID,
		Amount: down[0].Amount, Reference: "down-1", PaidBy: "buyer-1",
	}); err != nil {
		t.Fatalf("pay down payment: %v", err)
	}

	a = reload(t, env, a.ID)
	mortgagePhase := phaseByName(t, a, "Mortgage Installments")
	if mortgagePhase.Status != domain.PhaseInProgress {
		t.Fatalf("mortgage phase should activate, got %s", mortgagePhase.Status)
	}
	installments, err := env.Engine.GenerateInstallments(env.Ctx, tenant, mortgagePhase.ID, "admin-1")
	if err != nil {
		t.Fatalf("generate installments: %v", err)
	}
	if len(installments) != 12 {
		t.Fatalf("expected 12 installments, got %d", len(installments))
	}
	sum := decimal.Zero
	for i, in := range installments {
		if i < 11 && !in.Amount.Equal(decimal.RequireFromString("92.59")) {
			t.Fatalf("installment %d amount %s, want 92.59", i+1, in.Amount)
		}
		sum = sum.Add(in.Amount)
	}
	if !installments[11].Amount.Equal(decimal.RequireFromString("92.62")) {
		t.Fatalf("last installment %s, want 92.62", installments[11].Amount)
	}
	if !sum.Equal(decimal.RequireFromString("1111.11")) {
		t.Fatalf("installments sum %s, want 1111.11", sum)
	}
}

func TestRegenerateInstallmentsConflicts(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	downPhase := phaseByName(t, a, "Down Payment")

	if _, err := env.Engine.GenerateInstallments(env.Ctx, tenant, downPhase.ID, "admin-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	var ce engine.ConflictError
	_, err := env.Engine.GenerateInstallments(env.Ctx, tenant, downPhase.ID, "admin-1")
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict on regenerate, got %v", err)
	}
}

func TestOverpaymentRejected(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	downPhase := phaseByName(t, a, "Down Payment")

	installments, err := env.Engine.GenerateInstallments(env.Ctx, tenant, downPhase.ID, "admin-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var ve engine.ValidationError
	_, err = env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: installments[0].ID,
		Amount: decimal.RequireFromString("150.00"), Reference: "over-1", PaidBy: "buyer-1",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error on overpayment, got %v", err)
	}

	// partial payments accumulate; the last one closes the installment
	if _, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: installments[0].ID,
		Amount: decimal.RequireFromString("40.00"), Reference: "part-1", PaidBy: "buyer-1",
	}); err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	in := installmentByID(t, env, downPhase.ID, installments[0].ID)
	if in.Status != domain.InstallmentPartiallyPaid {
		t.Fatalf("expected PARTIALLY_PAID, got %s", in.Status)
	}
	if _, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: installments[0].ID,
		Amount: decimal.RequireFromString("60.00"), Reference: "part-2", PaidBy: "buyer-1",
	}); err != nil {
		t.Fatalf("closing payment: %v", err)
	}
	a = reload(t, env, a.ID)
	if got := phaseByName(t, a, "Down Payment").Status; got != domain.PhaseCompleted {
		t.Fatalf("down payment should complete, got %s", got)
	}
}

func TestDuplicatePaymentReferenceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	downPhase := phaseByName(t, a, "Down Payment")

	installments, err := env.Engine.GenerateInstallments(env.Ctx, tenant, downPhase.ID, "admin-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	first, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: installments[0].ID,
		Amount: decimal.RequireFromString("50.00"), Reference: "bank-ref-1", PaidBy: "buyer-1",
	})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	second, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: installments[0].ID,
		Amount: decimal.RequireFromString("50.00"), Reference: "bank-ref-1", PaidBy: "buyer-1",
	})
	if err != nil {
		t.Fatalf("replayed payment: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay should return the original payment")
	}
	in := installmentByID(t, env, downPhase.ID, installments[0].ID)
	if !in.PaidAmount.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("replay must not double-apply, paid %s", in.PaidAmount)
	}
}

func TestFullLifecycleCompletesApplication(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	a = payPhase(t, env, phaseByName(t, a, "Down Payment").ID, "down")
	a = payPhase(t, env, phaseByName(t, a, "Mortgage Installments").ID, "monthly")

	gate := phaseByName(t, a, "Offer Acceptance")
	if gate.Status != domain.PhaseInProgress {
		t.Fatalf("gate should be active, got %s", gate.Status)
	}
	status, err := env.Engine.ActionStatus(env.Ctx, tenant, a.ID)
	if err != nil {
		t.Fatalf("action status: %v", err)
	}
	if status.NextActor != domain.RoleLender || status.ActionRequired != "decide_gate" {
		t.Fatalf("expected LENDER decide_gate, got %+v", status)
	}

	a, err = env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "lender-1", Role: domain.RoleLender,
	})
	if err != nil {
		t.Fatalf("decide gate: %v", err)
	}
	if a.Status != domain.ApplicationCompleted {
		t.Fatalf("expected COMPLETED application, got %s", a.Status)
	}

	status, err = env.Engine.ActionStatus(env.Ctx, tenant, a.ID)
	if err != nil {
		t.Fatalf("action status: %v", err)
	}
	if status.NextActor != domain.RoleNone {
		t.Fatalf("completed application should need nobody, got %+v", status)
	}
}

func TestGateRejectTerminates(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	a = payPhase(t, env, phaseByName(t, a, "Down Payment").ID, "down")
	a = payPhase(t, env, phaseByName(t, a, "Mortgage Installments").ID, "monthly")
	gate := phaseByName(t, a, "Offer Acceptance")

	var ve engine.ValidationError
	_, err := env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "buyer-1", Role: domain.RoleCustomer,
	})
	if !errors.As(err, &ve) {
		t.Fatalf("customer should not decide the gate, got %v", err)
	}

	a, err = env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionReject, Notes: "offer declined", ApproverID: "lender-1", Role: domain.RoleLender,
	})
	if err != nil {
		t.Fatalf("reject gate: %v", err)
	}
	if a.Status != domain.ApplicationTerminated {
		t.Fatalf("expected TERMINATED, got %s", a.Status)
	}
}

func TestGateRetryAndMultipleApprovers(t *testing.T) {
	env := newTestEnv(t)
	// two approvals required, rejections reset the gate instead of failing it
	env.Engine.Config.PaymentMethods = append(env.Engine.Config.PaymentMethods, config.PaymentMethod{
		Name:         "board-approval",
		AutoActivate: true,
		Phases: []config.PhaseTemplate{{
			Name:     "Board Gate",
			Category: domain.CategoryGate,
			Gate:     &domain.GatePlan{RequiredApprovals: 2, AllowRetry: true, ReviewerRole: domain.RoleAdmin},
		}},
	})
	amount := decimal.RequireFromString("10.00")
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "buyer-1", UnitID: "unit-7",
		PaymentMethod: "board-approval", TotalAmount: amount, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gate := a.Phases[0]

	if _, err := env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "admin-1", Role: domain.RoleAdmin,
	}); err != nil {
		t.Fatalf("first approval: %v", err)
	}

	// one approval is not enough
	advanced, err := env.Engine.AdvanceIfEligible(env.Ctx, tenant, gate.ID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced {
		t.Fatalf("gate should not advance with 1 of 2 approvals")
	}

	var ce engine.ConflictError
	_, err = env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "admin-1", Role: domain.RoleAdmin,
	})
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict for duplicate approver, got %v", err)
	}

	// a rejection with allow_retry wipes collected approvals
	if _, err := env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionReject, ApproverID: "admin-2", Role: domain.RoleAdmin,
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	a = reload(t, env, a.ID)
	if a.Status != domain.ApplicationActive {
		t.Fatalf("retryable gate must not terminate, got %s", a.Status)
	}

	// both approvers can decide again from scratch
	if _, err := env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "admin-1", Role: domain.RoleAdmin,
	}); err != nil {
		t.Fatalf("re-approval 1: %v", err)
	}
	a, err = env.Engine.DecideGate(env.Ctx, engine.GateDecisionOptions{
		TenantID: tenant, PhaseID: gate.ID,
		Decision: domain.DecisionApprove, ApproverID: "admin-2", Role: domain.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("re-approval 2: %v", err)
	}
	if a.Status != domain.ApplicationCompleted {
		t.Fatalf("expected COMPLETED after 2 approvals, got %s", a.Status)
	}
}

func TestEmptyDocumentationPhaseAutoCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.PaymentMethods = append(env.Engine.Config.PaymentMethods, config.PaymentMethod{
		Name:         "docs-optional",
		AutoActivate: true,
		Phases: []config.PhaseTemplate{{
			Name:     "Extra Papers",
			Category: domain.CategoryDocumentation,
			Documentation: &domain.DocumentationPlan{
				Documents: []domain.DocumentDefinition{{
					Type: "guarantor_letter", OwnerRole: domain.RoleCustomer,
					Condition: "mortgage_type == JOINT",
				}},
				Stages: []domain.StagePlan{{ReviewerOrgType: domain.RoleLender, AutoTransition: true}},
			},
		}},
	})
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "buyer-1", UnitID: "unit-7",
		PaymentMethod: "docs-optional", TotalAmount: decimal.RequireFromString("10.00"), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// no questionnaire answers, so the conditional requirement never fires and
	// the only phase completes at activation
	if a.Status != domain.ApplicationCompleted {
		t.Fatalf("expected COMPLETED, got %s", a.Status)
	}
	if a.Phases[0].Status != domain.PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", a.Phases[0].Status)
	}
}

func TestTerminateApplication(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")

	a, err := env.Engine.Terminate(env.Ctx, tenant, a.ID, "buyer withdrew", "admin-1")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if a.Status != domain.ApplicationTerminated {
		t.Fatalf("expected TERMINATED, got %s", a.Status)
	}
	// the phase already underway keeps its status; the rest never ran
	if got := phaseByName(t, a, "Eligibility").Status; got != domain.PhaseInProgress {
		t.Fatalf("active phase should stay IN_PROGRESS, got %s", got)
	}
	for _, name := range []string{"Document Collection", "Down Payment", "Mortgage Installments", "Offer Acceptance"} {
		if got := phaseByName(t, a, name).Status; got != domain.PhaseSkipped {
			t.Fatalf("phase %s should be SKIPPED, got %s", name, got)
		}
	}
	var se engine.StateError
	_, err = env.Engine.Terminate(env.Ctx, tenant, a.ID, "again", "admin-1")
	if !errors.As(err, &se) {
		t.Fatalf("expected state error on double terminate, got %v", err)
	}
}

// manualMethod is standard-mortgage without auto-activation, so applications
// start in DRAFT and go through an explicit submit.
func manualMethod(t *testing.T, env testEnv) domain.Application {
	t.Helper()
	env.Engine.Config.PaymentMethods = append(env.Engine.Config.PaymentMethods, config.PaymentMethod{
		Name: "manual-gate",
		Phases: []config.PhaseTemplate{{
			Name:     "Approval",
			Category: domain.CategoryGate,
			Gate:     &domain.GatePlan{RequiredApprovals: 1, ReviewerRole: domain.RoleLender},
		}},
	})
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "buyer-1", UnitID: "unit-7",
		PaymentMethod: "manual-gate", TotalAmount: decimal.RequireFromString("10.00"), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestSubmitActivatesDraft(t *testing.T) {
	env := newTestEnv(t)
	a := manualMethod(t, env)
	if a.Status != domain.ApplicationDraft {
		t.Fatalf("expected DRAFT before submit, got %s", a.Status)
	}

	a, err := env.Engine.Submit(env.Ctx, tenant, a.ID, "buyer-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != domain.ApplicationActive {
		t.Fatalf("expected ACTIVE after submit, got %s", a.Status)
	}
	if a.Phases[0].Status != domain.PhaseInProgress {
		t.Fatalf("first phase should be IN_PROGRESS, got %s", a.Phases[0].Status)
	}

	// submission is recorded before the activation side effects
	evs, err := env.Engine.Repo.ListEvents(env.Ctx, tenant, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	submitted, activated := int64(0), int64(0)
	for _, ev := range evs {
		switch ev.EventType {
		case "APPLICATION_SUBMITTED":
			submitted = ev.ID
		case "PHASE_ACTIVATED":
			activated = ev.ID
		}
	}
	if submitted == 0 || activated == 0 || submitted > activated {
		t.Fatalf("expected SUBMITTED (%d) before PHASE_ACTIVATED (%d)", submitted, activated)
	}

	var se engine.StateError
	if _, err := env.Engine.Submit(env.Ctx, tenant, a.ID, "buyer-1"); !errors.As(err, &se) {
		t.Fatalf("expected state error on double submit, got %v", err)
	}
}

func TestSubmitRetriesPendingActivation(t *testing.T) {
	env := newTestEnv(t)
	a := manualMethod(t, env)

	// a submission whose activation never happened leaves the application
	// PENDING with every phase untouched
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE applications SET status=? WHERE id=?`, domain.ApplicationPending, a.ID); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	a, err := env.Engine.Submit(env.Ctx, tenant, a.ID, "buyer-1")
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if a.Status != domain.ApplicationActive {
		t.Fatalf("expected ACTIVE after retried activation, got %s", a.Status)
	}
	if a.Phases[0].Status != domain.PhaseInProgress {
		t.Fatalf("first phase should be IN_PROGRESS, got %s", a.Phases[0].Status)
	}
}

func TestTransferApplication(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")

	var ve engine.ValidationError
	if _, err := env.Engine.Transfer(env.Ctx, tenant, a.ID, "", "admin-1"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty buyer, got %v", err)
	}

	a, err := env.Engine.Transfer(env.Ctx, tenant, a.ID, "buyer-2", "admin-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if a.Status != domain.ApplicationTransferred {
		t.Fatalf("expected TRANSFERRED, got %s", a.Status)
	}
	for _, name := range []string{"Document Collection", "Down Payment", "Mortgage Installments", "Offer Acceptance"} {
		if got := phaseByName(t, a, name).Status; got != domain.PhaseSkipped {
			t.Fatalf("phase %s should be SKIPPED, got %s", name, got)
		}
	}

	evs, err := env.Engine.Repo.ListEvents(env.Ctx, tenant, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.EventType == "APPLICATION_TRANSFERRED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected APPLICATION_TRANSFERRED event")
	}

	var se engine.StateError
	if _, err := env.Engine.Terminate(env.Ctx, tenant, a.ID, "late", "admin-1"); !errors.As(err, &se) {
		t.Fatalf("transferred application should not terminate, got %v", err)
	}
	if _, err := env.Engine.Transfer(env.Ctx, tenant, a.ID, "buyer-3", "admin-1"); !errors.As(err, &se) {
		t.Fatalf("expected state error on double transfer, got %v", err)
	}
}

// docsMethod registers a single-stage documentation method requiring one
// survey_plan upload, with the given wait_for_all_documents setting.
func docsMethod(t *testing.T, env testEnv, name string, waitForAll bool) domain.Application {
	t.Helper()
	env.Engine.Config.PaymentMethods = append(env.Engine.Config.PaymentMethods, config.PaymentMethod{
		Name:         name,
		AutoActivate: true,
		Phases: []config.PhaseTemplate{{
			Name:     "Survey",
			Category: domain.CategoryDocumentation,
			Documentation: &domain.DocumentationPlan{
				Documents: []domain.DocumentDefinition{{Type: "survey_plan", OwnerRole: domain.RoleCustomer}},
				Stages: []domain.StagePlan{{
					ReviewerOrgType:     domain.RoleLender,
					WaitForAllDocuments: waitForAll,
					AutoTransition:      true,
				}},
			},
		}},
	})
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		TenantID: tenant, BuyerID: "buyer-1", UnitID: "unit-7",
		PaymentMethod: name, TotalAmount: decimal.RequireFromString("10.00"), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func uploadSurvey(t *testing.T, env testEnv, phaseID, url string) domain.Document {
	t.Helper()
	doc, err := env.Engine.UploadDocument(env.Ctx, engine.UploadDocumentOptions{
		TenantID: tenant, PhaseID: phaseID, Type: "survey_plan",
		URL: url, UploadedBy: "buyer-1", UploaderRole: domain.RoleCustomer,
	})
	if err != nil {
		t.Fatalf("upload %s: %v", url, err)
	}
	return doc
}

func approveDoc(t *testing.T, env testEnv, docID string) domain.Application {
	t.Helper()
	a, err := env.Engine.ReviewDocument(env.Ctx, engine.ReviewDocumentOptions{
		TenantID: tenant, DocumentID: docID,
		Decision: domain.DecisionApprove, ReviewerID: "lender-1", Role: domain.RoleLender,
	})
	if err != nil {
		t.Fatalf("approve %s: %v", docID, err)
	}
	return a
}

func TestStageAdvancesPastPendingReupload(t *testing.T) {
	env := newTestEnv(t)
	a := docsMethod(t, env, "lenient-survey", false)
	phase := a.Phases[0]

	doc := uploadSurvey(t, env, phase.ID, "https://files.example/v1")
	approveDoc(t, env, doc.ID)

	// without wait_for_all_documents the earlier approval carries the stage,
	// so the re-upload's own progression completes the phase immediately
	uploadSurvey(t, env, phase.ID, "https://files.example/v2")
	a = reload(t, env, a.ID)
	if a.Phases[0].Status != domain.PhaseCompleted {
		t.Fatalf("expected COMPLETED despite pending re-upload, got %s", a.Phases[0].Status)
	}
}

func TestStageWaitsForAllDocuments(t *testing.T) {
	env := newTestEnv(t)
	a := docsMethod(t, env, "strict-survey", true)
	phase := a.Phases[0]

	doc := uploadSurvey(t, env, phase.ID, "https://files.example/v1")
	approveDoc(t, env, doc.ID)

	second := uploadSurvey(t, env, phase.ID, "https://files.example/v2")
	a = reload(t, env, a.ID)
	if a.Phases[0].Status != domain.PhaseInProgress {
		t.Fatalf("strict stage must wait for the re-upload's review, got %s", a.Phases[0].Status)
	}

	a = approveDoc(t, env, second.ID)
	if a.Phases[0].Status != domain.PhaseCompleted {
		t.Fatalf("expected COMPLETED after reviewing the re-upload, got %s", a.Phases[0].Status)
	}
}

func TestReuploadWithdrawsPendingPredecessor(t *testing.T) {
	env := newTestEnv(t)
	a := docsMethod(t, env, "strict-survey-2", true)
	phase := a.Phases[0]

	first := uploadSurvey(t, env, phase.ID, "https://files.example/v1")
	second := uploadSurvey(t, env, phase.ID, "https://files.example/v2")

	// the superseded pending upload is withdrawn, so it can never hold a
	// strict stage open
	d, err := env.Engine.Repo.GetDocument(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if d.Status != domain.DocumentRejected {
		t.Fatalf("superseded pending doc should be withdrawn, got %s", d.Status)
	}

	a = approveDoc(t, env, second.ID)
	if a.Phases[0].Status != domain.PhaseCompleted {
		t.Fatalf("expected COMPLETED, got %s", a.Phases[0].Status)
	}
}

func TestInstallmentsReadOverdue(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	a = passEligibility(t, env, a, "SINGLE")
	a = completeDocumentation(t, env, a)
	a = payPhase(t, env, phaseByName(t, a, "Down Payment").ID, "down")
	mortgagePhase := phaseByName(t, a, "Mortgage Installments")
	if _, err := env.Engine.GenerateInstallments(env.Ctx, tenant, mortgagePhase.ID, "admin-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// three and a half months on, the first three installments are late
	env.Engine.Now = func() time.Time { return time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC) }
	items, err := env.Engine.Installments(env.Ctx, mortgagePhase.ID)
	if err != nil {
		t.Fatalf("installments: %v", err)
	}
	for i, in := range items {
		want := domain.InstallmentPending
		if i < 3 {
			want = domain.InstallmentOverdue
		}
		if in.Status != want {
			t.Fatalf("installment %d status %s, want %s", i+1, in.Status, want)
		}
	}

	// overdueness is derived at read time, the stored rows stay PENDING
	stored, err := env.Engine.Repo.ListInstallments(env.Ctx, mortgagePhase.ID)
	if err != nil {
		t.Fatalf("list stored: %v", err)
	}
	for _, in := range stored {
		if in.Status != domain.InstallmentPending {
			t.Fatalf("stored installment should stay PENDING, got %s", in.Status)
		}
	}

	// paying a late installment clears it
	if _, err := env.Engine.RecordPayment(env.Ctx, engine.RecordPaymentOptions{
		TenantID: tenant, InstallmentID: items[0].ID,
		Amount: items[0].Amount, Reference: "late-1", PaidBy: "buyer-1",
	}); err != nil {
		t.Fatalf("pay late installment: %v", err)
	}
	items, err = env.Engine.Installments(env.Ctx, mortgagePhase.ID)
	if err != nil {
		t.Fatalf("installments: %v", err)
	}
	if items[0].Status != domain.InstallmentPaid {
		t.Fatalf("paid installment should read PAID, got %s", items[0].Status)
	}
}

func TestEmissionsUnderCausationRecordIt(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")

	ctx := events.WithCausation(env.Ctx, 42)
	if _, err := env.Engine.Terminate(ctx, tenant, a.ID, "chained", "dispatch"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	evs, err := env.Engine.Repo.ListEvents(env.Ctx, tenant, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range evs {
		switch ev.EventType {
		case "APPLICATION_TERMINATED":
			if ev.CausationID != "42" {
				t.Fatalf("expected causation 42, got %q", ev.CausationID)
			}
		case "APPLICATION_CREATED":
			if ev.CausationID != "" {
				t.Fatalf("create happened outside the chain, got causation %q", ev.CausationID)
			}
		}
	}
}

func TestCrossTenantAccessIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")

	_, err := env.Engine.Repo.GetApplication(env.Ctx, "other-tenant", a.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for other tenant, got %v", err)
	}
	_, err = env.Engine.Terminate(env.Ctx, "other-tenant", a.ID, "", "x")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for cross-tenant mutation, got %v", err)
	}
}

func TestLifecycleEmitsEvents(t *testing.T) {
	env := newTestEnv(t)
	a := newApplication(t, env, "1000.00")
	passEligibility(t, env, a, "SINGLE")

	events, err := env.Engine.Repo.ListEvents(env.Ctx, tenant, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.EventType] = true
		if ev.Status != domain.EventPending {
			t.Fatalf("fresh event %s should be PENDING, got %s", ev.EventType, ev.Status)
		}
	}
	for _, want := range []string{
		"APPLICATION_CREATED", "APPLICATION_SUBMITTED", "PHASE_ACTIVATED",
		"QUESTIONNAIRE_SUBMITTED", "PHASE_COMPLETED",
	} {
		if !seen[want] {
			t.Fatalf("missing event %s, saw %v", want, seen)
		}
	}
}
