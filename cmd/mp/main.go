package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mailplane/internal/classify"
	"mailplane/internal/config"
	"mailplane/internal/db"
	"mailplane/internal/engine"
	"mailplane/internal/migrate"
	"mailplane/internal/repo"
	"mailplane/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mp",
	Short: "Mailplane CLI",
	Long: `Mailplane turns inbound emails into reviewed units of work.
Emails are classified into an intent, proposed as tasks, and planned
into jobs; medium/high risk steps wait for human approval before an
external executor may touch them. Every state change leaves an audit row.`,
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
	viper.SetEnvPrefix("MAILPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "default", "tenant identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(emailCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger, cleanup := cfg.SetupLogger()
	defer cleanup()
	classifier, err := classify.New(cfg.Classifier, logger)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, classifier)
	return fn(ctx, e)
}

func emailCmd() *cobra.Command {
	email := &cobra.Command{Use: "email", Short: "Manage inbound emails"}
	email.AddCommand(emailIngestCmd())
	email.AddCommand(emailListCmd())
	return email
}

func emailIngestCmd() *cobra.Command {
	var from, subject, body string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a normalized email",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return fmt.Errorf("--from required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				email, err := e.IngestEmail(ctx, engine.NewEmail{
					TenantID:    viper.GetString("tenant"),
					FromAddress: from,
					Subject:     subject,
					Body:        body,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(email)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address")
	cmd.Flags().StringVar(&subject, "subject", "", "email subject")
	cmd.Flags().StringVar(&body, "body", "", "email body")
	return cmd
}

func emailListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List emails",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEmails(ctx, repo.EmailFilters{
					Status:   status,
					TenantID: viper.GetString("tenant"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "Subject", "Status", "Intent"})
				for _, m := range items {
					intent := ""
					if m.Classification != nil {
						intent = *m.Classification
					}
					tw.AppendRow(table.Row{m.ID, m.FromAddress, m.Subject, m.Status, intent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (new, triaged)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage proposed tasks"}
	task.AddCommand(taskProposeCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskProposeCmd() *cobra.Command {
	var emailID string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Classify an email and propose a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if emailID == "" {
				return fmt.Errorf("--email-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.ProposeTask(ctx, emailID)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&emailID, "email-id", "", "email to triage")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Confidence", "Risk", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Intent, fmt.Sprintf("%.2f", t.Confidence), t.Risk, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage planned jobs"}
	job.AddCommand(jobPlanCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobStatusCmd("abort", "Abort a job"))
	job.AddCommand(jobStatusCmd("retry", "Retry a job"))
	return job
}

func jobPlanCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a job from a proposed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.PlanJob(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task to plan")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Status", "Started", "Updated"})
				for _, j := range jobs {
					taskID := ""
					if j.TaskID != nil {
						taskID = *j.TaskID
					}
					tw.AppendRow(table.Row{j.ID, taskID, j.Status, j.StartedAt, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListJobSteps(ctx, job.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": job, "steps": steps})
			})
		},
	}
	return cmd
}

func jobStatusCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				var job any
				if name == "abort" {
					job, err = e.AbortJob(ctx, args[0])
				} else {
					job, err = e.RetryJob(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{Use: "approval", Short: "Decide pending approvals"}
	approval.AddCommand(approvalDecideCmd("approve", "approved"))
	approval.AddCommand(approvalDecideCmd("reject", "rejected"))
	return approval
}

func approvalDecideCmd(verb, decision string) *cobra.Command {
	var decidedBy, comment string
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: "Record a human " + decision + " decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				approval, err := e.DecideApproval(ctx, engine.DecisionOptions{
					ApprovalID: args[0],
					Decision:   decision,
					DecidedBy:  decidedBy,
					Comment:    comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(approval)
			})
		},
	}
	cmd.Flags().StringVar(&decidedBy, "by", "", "who decided")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func settingsCmd() *cobra.Command {
	settings := &cobra.Command{Use: "settings", Short: "Tenant settings"}
	settings.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show tenant settings, creating defaults on first access",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.EnsureSettings(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return settings
}

func capabilitiesCmd() *cobra.Command {
	capabilities := &cobra.Command{Use: "capabilities", Short: "Capability manifest"}
	capabilities.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Show the latest capability manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.LatestManifest(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	capabilities.AddCommand(&cobra.Command{
		Use:   "rescan",
		Short: "Record a fresh capability snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snapshot, err := e.RescanManifest(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snapshot)
			})
		},
	})
	return capabilities
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Audit log"}
	var query string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{Query: query, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Event", "Entity", "At"})
				for _, a := range items {
					entity := ""
					if a.EntityID != nil {
						entity = *a.EntityID
					}
					tw.AppendRow(table.Row{a.ID, a.TenantID, a.EventType, entity, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&query, "query", "", "substring filter over payload")
	tail.Flags().IntVar(&limit, "limit", 50, "max entries")
	auditRoot.AddCommand(tail)
	return auditRoot
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			logger, cleanup := cfg.SetupLogger()
			defer cleanup()
			classifier, err := classify.New(cfg.Classifier, logger)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, classifier)

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.Info("mailplane api listening", "addr", addr, "base_path", basePath, "auth", cfg.Server.JWTSecret != "")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errc:
				return err
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
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
