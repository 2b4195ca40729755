package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"homeline/internal/app"
	"homeline/internal/config"
	"homeline/internal/db"
	"homeline/internal/dispatch"
	"homeline/internal/engine"
	"homeline/internal/migrate"
	"homeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Homeline CLI",
	Long: `Homeline runs mortgage applications through configurable phase workflows.
Core concepts:
- Workspace: your .homeline directory with only the database; tenant configs are stored in the DB and imported explicitly.
- Application: one buyer's journey for one unit, moving through the phases its payment method defines.
- Phases: questionnaires (scored and auto-decided), documentation (multi-stage review), payments (installment schedules), and gates (explicit approvals). They activate one at a time, in order.
- Events: every state change lands in the event log; configured handlers (email, webhooks, workflow advancement, automations) react to them.
- Action status: 'hl app status' tells you who has to act next and what they have to do.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HOMELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "ADMIN", "actor role")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(qaCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(handlerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func appCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "app",
		Short: "Manage applications",
		Long:  "Applications flow DRAFT -> PENDING -> ACTIVE -> COMPLETED, or end TERMINATED or TRANSFERRED. Each carries the phase sequence of its payment method, snapshotted at creation.",
	}
	a.AddCommand(appCreateCmd())
	a.AddCommand(appListCmd())
	a.AddCommand(appShowCmd())
	a.AddCommand(appSubmitCmd())
	a.AddCommand(appTerminateCmd())
	a.AddCommand(appTransferCmd())
	a.AddCommand(appStatusCmd())
	a.AddCommand(appAdvanceCmd())
	return a
}

func appCreateCmd() *cobra.Command {
	var buyerID, unitID, method, amount string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateApplication(ctx, engine.CreateApplicationOptions{
					TenantID:      e.Config.Tenant.ID,
					BuyerID:       buyerID,
					UnitID:        unitID,
					PaymentMethod: method,
					TotalAmount:   total,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "buyer id")
	cmd.Flags().StringVar(&unitID, "unit-id", "", "unit id")
	cmd.Flags().StringVar(&method, "method", "", "payment method name from config")
	cmd.Flags().StringVar(&amount, "amount", "", "total amount")
	_ = cmd.MarkFlagRequired("buyer-id")
	_ = cmd.MarkFlagRequired("unit-id")
	_ = cmd.MarkFlagRequired("method")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func appListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, e.Config.Tenant.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Buyer", "Unit", "Method", "Amount", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.BuyerID, a.UnitID, a.PaymentMethod, a.TotalAmount.StringFixed(2), a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func appShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an application with its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetApplication(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				a.Phases, err = e.Repo.ListPhases(ctx, a.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func appSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Submit(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func appTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Terminate(ctx, e.Config.Tenant.ID, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func appTransferCmd() *cobra.Command {
	var newBuyerID string
	cmd := &cobra.Command{
		Use:   "transfer <id>",
		Short: "Transfer an application to another buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Transfer(ctx, e.Config.Tenant.ID, args[0], newBuyerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&newBuyerID, "new-buyer", "", "receiving buyer id")
	_ = cmd.MarkFlagRequired("new-buyer")
	return cmd
}

func appStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show who acts next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ActionStatus(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Next actor: %s\nCategory:   %s\nAction:     %s\n", st.NextActor, st.ActionCategory, st.ActionRequired)
				return nil
			})
		},
	}
	return cmd
}

func appAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <phase-id>",
		Short: "Advance a phase when its completion criteria hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				advanced, err := e.AdvanceIfEligible(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"advanced": advanced})
			})
		},
	}
	return cmd
}

func qaCmd() *cobra.Command {
	qa := &cobra.Command{
		Use:   "qa",
		Short: "Questionnaire phases",
	}
	qa.AddCommand(qaSubmitCmd())
	qa.AddCommand(qaReviewCmd())
	return qa
}

func qaSubmitCmd() *cobra.Command {
	var answersJSON string
	cmd := &cobra.Command{
		Use:   "submit <phase-id>",
		Short: "Submit questionnaire answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var answers map[string]any
			if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
				return fmt.Errorf("invalid --answers-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitAnswers(ctx, e.Config.Tenant.ID, args[0], answers, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&answersJSON, "answers-json", "", "answers as a JSON object")
	_ = cmd.MarkFlagRequired("answers-json")
	return cmd
}

func qaReviewCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "review <phase-id>",
		Short: "Review a submitted questionnaire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReviewQuestionnaire(ctx, e.Config.Tenant.ID, args[0], decision, notes,
					viper.GetString("actor-id"), viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, REJECT or CHANGES_REQUESTED")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func docCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "doc",
		Short: "Documentation phases",
		Long:  "Documents move through the phase's review stages in order. A rejection cascades per the stage's policy; uploads by the reviewing role are approved on the spot.",
	}
	d.AddCommand(docUploadCmd())
	d.AddCommand(docListCmd())
	d.AddCommand(docReviewCmd())
	return d
}

func docUploadCmd() *cobra.Command {
	var docType, url string
	cmd := &cobra.Command{
		Use:   "upload <phase-id>",
		Short: "Upload a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.UploadDocument(ctx, engine.UploadDocumentOptions{
					TenantID:     e.Config.Tenant.ID,
					PhaseID:      args[0],
					Type:         docType,
					URL:          url,
					UploadedBy:   viper.GetString("actor-id"),
					UploaderRole: viper.GetString("role"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type from the phase plan")
	cmd.Flags().StringVar(&url, "url", "", "document URL")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func docListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <phase-id>",
		Short: "List documents for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Repo.ListDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Uploaded By", "Role"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Type, d.Status, d.UploadedBy, d.UploaderRole})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func docReviewCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "review <document-id>",
		Short: "Review a pending document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReviewDocument(ctx, engine.ReviewDocumentOptions{
					TenantID:   e.Config.Tenant.ID,
					DocumentID: args[0],
					Decision:   decision,
					Notes:      notes,
					ReviewerID: viper.GetString("actor-id"),
					Role:       viper.GetString("role"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func payCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pay",
		Short: "Payment phases",
	}
	p.AddCommand(payGenerateCmd())
	p.AddCommand(payListCmd())
	p.AddCommand(payRecordCmd())
	return p
}

func payGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <phase-id>",
		Short: "Generate the installment schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GenerateInstallments(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func payListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <phase-id>",
		Short: "List installments for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Installments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Due", "Amount", "Paid", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Seq, it.ID, it.DueDate, it.Amount.StringFixed(2), it.PaidAmount.StringFixed(2), it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func payRecordCmd() *cobra.Command {
	var installmentID, amount, reference string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a payment against an installment",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				payment, err := e.RecordPayment(ctx, engine.RecordPaymentOptions{
					TenantID:      e.Config.Tenant.ID,
					InstallmentID: installmentID,
					Amount:        amt,
					Reference:     reference,
					PaidBy:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(payment)
			})
		},
	}
	cmd.Flags().StringVar(&installmentID, "installment", "", "installment id")
	cmd.Flags().StringVar(&amount, "amount", "", "payment amount")
	cmd.Flags().StringVar(&reference, "reference", "", "external payment reference")
	_ = cmd.MarkFlagRequired("installment")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gate",
		Short: "Gate phases",
	}
	g.AddCommand(gateDecideCmd())
	return g
}

func gateDecideCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "decide <phase-id>",
		Short: "Record a gate decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DecideGate(ctx, engine.GateDecisionOptions{
					TenantID:   e.Config.Tenant.ID,
					PhaseID:    args[0],
					Decision:   decision,
					Notes:      notes,
					ApproverID: viper.GetString("actor-id"),
					Role:       viper.GetString("role"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Event log and dispatch",
		Long:  "Every state change emits an event. Events sit PENDING until a worker (or 'hl events process') runs the handlers configured for their type.",
	}
	ev.AddCommand(eventsTailCmd())
	ev.AddCommand(eventsShowCmd())
	ev.AddCommand(eventsEmitCmd())
	ev.AddCommand(eventsProcessCmd())
	ev.AddCommand(eventsRetryCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail workflow events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, e.Config.Tenant.ID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Source", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.EventType, it.Status, it.Source, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func eventsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an event with its handler executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetWorkflowEvent(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				execs, err := e.Repo.ListExecutions(ctx, ev.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"event": ev, "executions": execs})
			})
		},
	}
	return cmd
}

func eventsEmitCmd() *cobra.Command {
	var eventType, payloadJSON string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit a workflow event",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload-json: %w", err)
				}
			}
			return withDispatcher(cmd.Context(), func(ctx context.Context, e engine.Engine, d *dispatch.Dispatcher) error {
				ev, err := d.Emit(ctx, e.Config.Tenant.ID, eventType, payload, "cli", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type code")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventsProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <id>",
		Short: "Process a pending event now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withDispatcher(cmd.Context(), func(ctx context.Context, e engine.Engine, d *dispatch.Dispatcher) error {
				ev, err := e.Repo.GetWorkflowEvent(ctx, e.Config.Tenant.ID, id)
				if err != nil {
					return err
				}
				done, err := d.Process(ctx, ev)
				if err != nil {
					return err
				}
				return printJSONOrTable(done)
			})
		},
	}
	return cmd
}

func eventsRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <execution-id>",
		Short: "Retry a failed handler execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, e engine.Engine, d *dispatch.Dispatcher) error {
				exec, err := d.RetryExecution(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func handlerCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "handlers",
		Short: "Inspect event handlers",
	}
	h.AddCommand(handlerListCmd())
	h.AddCommand(handlerSetCmd())
	return h
}

func handlerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListHandlers(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Enabled", "Retries", "Filter"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Type, it.Priority, it.Enabled, it.MaxRetries, it.FilterExpr})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func handlerSetCmd() *cobra.Command {
	var enabled bool
	var priority int
	cmd := &cobra.Command{
		Use:   "set <handler-id>",
		Short: "Enable, disable or reprioritize a handler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.Repo.GetHandler(ctx, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("enabled") {
					h.Enabled = enabled
				}
				if cmd.Flags().Changed("priority") {
					h.Priority = priority
				}
				if err := e.Repo.UpdateHandler(ctx, h); err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable the handler")
	cmd.Flags().IntVar(&priority, "priority", 0, "execution priority (lower runs first)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect tenant config",
		Long:  "Config is the rulebook (stored in DB): payment methods with their phase templates, the event taxonomy, and handler seeds. Import from homeline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file (or the stored config)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					return e.Config.Validate()
				})
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withConn(cmd.Context(), func(ctx context.Context, conn *appConn) error {
				if err := app.Install(ctx, conn.db, cfg, string(data)); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default homeline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				tenantID = "default"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant id for the generated config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devAuth, noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the dispatch worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			return withConn(cmd.Context(), func(ctx context.Context, conn *appConn) error {
				e := engine.New(conn.db, conn.cfg)
				d := dispatch.NewDispatcher(conn.db, e, log)
				authCfg := server.AuthConfig{
					JWTSecret:     os.Getenv("HOMELINE_JWT_SECRET"),
					DefaultTenant: conn.cfg.Tenant.ID,
					DevAuth:       devAuth,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("HOMELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:     e,
					Dispatcher: d,
					BasePath:   basePath,
					Auth:       authCfg,
					Log:        log,
				})
				if err != nil {
					return err
				}

				if !noWorker {
					interval := time.Duration(conn.cfg.Dispatch.PollIntervalSeconds) * time.Second
					w := dispatch.NewWorker(d, interval, conn.cfg.Dispatch.Batch, log)
					go w.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Homeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "enable the dev-login token endpoint")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the dispatch worker")
	return cmd
}

// --- helpers ---

type appConn struct {
	db  *sql.DB
	cfg *config.Config
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withConn(ctx, func(ctx context.Context, conn *appConn) error {
		return fn(ctx, engine.New(conn.db, conn.cfg))
	})
}

func withDispatcher(ctx context.Context, fn func(context.Context, engine.Engine, *dispatch.Dispatcher) error) error {
	return withConn(ctx, func(ctx context.Context, conn *appConn) error {
		e := engine.New(conn.db, conn.cfg)
		return fn(ctx, e, dispatch.NewDispatcher(conn.db, e, zap.NewNop()))
	})
}

func withConn(ctx context.Context, fn func(context.Context, *appConn) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.Resolve(ctx, conn, workspace, viper.GetString("tenant"))
	if err != nil {
		return err
	}
	return fn(ctx, &appConn{db: conn, cfg: cfg})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
