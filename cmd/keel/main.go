package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"keel/internal/config"
	"keel/internal/db"
	"keel/internal/domain"
	"keel/internal/engine"
	"keel/internal/export"
	"keel/internal/migrate"
	"keel/internal/repo"
	"keel/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Keel CLI",
	Long: `Keel is a decision governance core for operating companies.
Core concepts:
- Workspace: your .keel directory holding only the database.
- Enterprise: a company whose decisions are governed together.
- Decision: a governed choice that moves draft -> finalized -> signed_off.
- Artifact: the versioned, hashed decision document; every edit appends a version.
- Ledger: the append-only event log behind every governance action.
- Milestones: operational checkpoints tracked per decision.
- Outcome reviews: post-decision retrospectives that feed the learning scores.
- Scores: readiness, health, activation, velocity and the capital-readiness index.`,
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
	viper.SetEnvPrefix("KEEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "", "actor role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(enterpriseCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(portfolioCmd())
	rootCmd.AddCommand(velocityCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() engine.Actor {
	return engine.Actor{
		ID:   viper.GetString("actor-id"),
		Role: viper.GetString("actor-role"),
	}
}

func enterpriseCmd() *cobra.Command {
	ent := &cobra.Command{Use: "enterprise", Short: "Manage enterprises"}
	ent.AddCommand(enterpriseCreateCmd())
	ent.AddCommand(enterpriseListCmd())
	ent.AddCommand(enterpriseShowCmd())
	ent.AddCommand(enterpriseHealthCmd())
	ent.AddCommand(enterpriseActivationCmd())
	ent.AddCommand(enterpriseIndexCmd())
	ent.AddCommand(enterpriseTimelineCmd())
	return ent
}

func enterpriseCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create enterprise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.CreateEnterprise(ctx, name)
				if err != nil {
					return err
				}
				return printEntity(ent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "enterprise name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func enterpriseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enterprises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEnterprises(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ID, ent.Name, ent.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func enterpriseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an enterprise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ent, err := r.GetEnterprise(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(ent)
			})
		},
	}
	return cmd
}

func enterpriseHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <id>",
		Short: "Enterprise health score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EnterpriseHealth(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	return cmd
}

func enterpriseActivationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activation <id>",
		Short: "Enterprise activation checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EnterpriseActivation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Done"})
				for _, step := range res.Steps {
					tw.AppendRow(table.Row{step.Step, step.Done})
				}
				tw.Render()
				fmt.Printf("Activation: %.0f%%\n", res.Percent)
				return nil
			})
		},
	}
	return cmd
}

func enterpriseIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <id>",
		Short: "Enterprise capital-readiness index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EnterpriseReadinessIndex(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	return cmd
}

func enterpriseTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Chronological decisions with readiness bands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.EnterpriseTimeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Created", "Title", "Status", "Band"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{
						entry.Decision.CreatedAt,
						entry.Decision.Title,
						entry.Decision.Status,
						entry.Readiness,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage decisions",
		Long:  "Decisions flow draft -> finalized -> signed_off. Every governance action lands in the append-only ledger, and every artifact edit appends a hashed version.",
	}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionGetCmd())
	dec.AddCommand(decisionSubmitCmd())
	dec.AddCommand(decisionPatchCmd())
	dec.AddCommand(decisionFinalizeCmd())
	dec.AddCommand(decisionSignoffCmd())
	dec.AddCommand(decisionPlanCmd())
	dec.AddCommand(decisionReadinessCmd())
	dec.AddCommand(decisionVersionsCmd())
	return dec
}

func decisionCreateCmd() *cobra.Command {
	var opts engine.DecisionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = cliActor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDecision(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EnterpriseID, "enterprise", "", "enterprise id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&opts.ExpectedOutcome, "expected-outcome", "", "expected outcome")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var enterpriseID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDecisions(ctx, enterpriseID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Version"})
				for _, d := range items {
					version := ""
					if d.ArtifactVersion != nil {
						version = fmt.Sprintf("v%d", *d.ArtifactVersion)
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.Owner, version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&enterpriseID, "enterprise", "", "enterprise filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (draft, finalized, signed_off)")
	return cmd
}

func decisionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(d)
			})
		},
	}
	return cmd
}

func decisionSubmitCmd() *cobra.Command {
	var payload, file string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Append a new artifact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := payloadBytes(payload, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SubmitArtifact(ctx, args[0], data, cliActor())
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "artifact JSON payload")
	cmd.Flags().StringVar(&file, "file", "", "path to JSON payload file")
	return cmd
}

func decisionPatchCmd() *cobra.Command {
	var payload, file string
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Patch the latest artifact into a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := payloadBytes(payload, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.PatchArtifact(ctx, args[0], data, cliActor())
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "patch JSON payload")
	cmd.Flags().StringVar(&file, "file", "", "path to JSON patch file")
	return cmd
}

func decisionFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Finalize a draft decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Finalize(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printEntity(d)
			})
		},
	}
	return cmd
}

func decisionSignoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signoff <id>",
		Short: "Sign off a finalized decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SignOff(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printEntity(d)
			})
		},
	}
	return cmd
}

func decisionPlanCmd() *cobra.Command {
	var mustDo []string
	var note string
	cmd := &cobra.Command{
		Use:   "plan <id>",
		Short: "Commit the execution plan (up to three must-do milestones)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CommitExecutionPlan(ctx, args[0], mustDo, note, cliActor())
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
	cmd.Flags().StringArrayVar(&mustDo, "must-do", []string{}, "embedded milestone id (repeatable, max 3)")
	cmd.Flags().StringVar(&note, "note", "", "plan note")
	return cmd
}

func decisionReadinessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readiness <id>",
		Short: "Readiness band for a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DecisionReadiness(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	return cmd
}

func decisionVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <id>",
		Short: "List artifact versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				versions, err := r.ListArtifactVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Hash", "Created"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.Version, v.Hash, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage milestones"}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneUpdateCmd())
	ms.AddCommand(milestoneDeleteCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "add <decision-id>",
		Short: "Add a milestone to a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DecisionID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "milestone name")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (pending, in_progress, done)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <decision-id>",
		Short: "List milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Responsible", "Due"})
				for _, m := range items {
					due := ""
					if m.DueDate != nil {
						due = *m.DueDate
					}
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.Responsible, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneUpdateCmd() *cobra.Command {
	var name, responsible, due, status, notes string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.MilestoneUpdateOptions{ID: args[0]}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("responsible") {
				opts.Responsible = &responsible
			}
			if cmd.Flags().Changed("due") {
				duePtr := optionalString(due)
				opts.DueDate = &duePtr
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "milestone name")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&due, "due", "", "due date (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func milestoneDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMilestone(ctx, args[0])
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Outcome reviews"}
	rev.AddCommand(reviewAddCmd())
	rev.AddCommand(reviewListCmd())
	return rev
}

func reviewAddCmd() *cobra.Command {
	var opts engine.OutcomeReviewOptions
	cmd := &cobra.Command{
		Use:   "add <decision-id>",
		Short: "Record an outcome review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DecisionID = args[0]
			opts.Actor = cliActor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.RecordOutcomeReview(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(rv)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "review summary")
	cmd.Flags().StringVar(&opts.WhatWorked, "worked", "", "what worked")
	cmd.Flags().StringVar(&opts.WhatDidNot, "did-not", "", "what did not work")
	cmd.Flags().StringVar(&opts.Learnings, "learnings", "", "learnings")
	cmd.Flags().StringVar(&opts.Assumptions, "assumptions", "", "assumption check")
	cmd.Flags().StringVar(&opts.ReadinessDelta, "delta", "", "readiness delta (minus_one, zero, plus_one)")
	cmd.Flags().StringVar(&opts.FollowUp, "follow-up", "", "follow-up (keep, raise, reduce, stop)")
	cmd.Flags().StringVar(&opts.NextCycleFocus, "next-focus", "", "next cycle focus")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func reviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <decision-id>",
		Short: "List outcome reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOutcomeReviews(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(items)
			})
		},
	}
	return cmd
}

func portfolioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Portfolio view across enterprises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Portfolio(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Enterprise", "Decisions", "Signed off", "Health", "Activation", "Velocity"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{
						entry.Enterprise.Name,
						entry.Decisions,
						entry.SignedOff,
						fmt.Sprintf("%.1f", entry.Health.Total),
						fmt.Sprintf("%.0f%%", entry.Activation),
						fmt.Sprintf("%.0f", entry.Velocity.Score),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func velocityCmd() *cobra.Command {
	var enterpriseID string
	cmd := &cobra.Command{
		Use:   "velocity",
		Short: "Decision velocity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if enterpriseID != "" {
					res, err := e.EnterpriseVelocity(ctx, enterpriseID)
					if err != nil {
						return err
					}
					return printEntity(res)
				}
				res, err := e.GlobalVelocity(ctx)
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	cmd.Flags().StringVar(&enterpriseID, "enterprise", "", "restrict to one enterprise")
	return cmd
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export decision and enterprise bundles"}
	exp.AddCommand(exportDecisionCmd())
	exp.AddCommand(exportEnterpriseCmd())
	return exp
}

func exportDecisionCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "decision <id>",
		Short: "Export one decision with its full version and event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ex := export.Exporter{Repo: r}
				bundle, err := ex.Decision(ctx, args[0])
				if err != nil {
					return err
				}
				w, closeFn, err := outputWriter(out)
				if err != nil {
					return err
				}
				defer closeFn()
				switch format {
				case "json":
					return export.WriteJSON(w, bundle)
				case "csv":
					return export.WriteDecisionCSV(w, bundle)
				default:
					return fmt.Errorf("format must be json or csv")
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, csv)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func exportEnterpriseCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "enterprise <id>",
		Short: "Export an enterprise and all its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ex := export.Exporter{Repo: r}
				bundle, err := ex.Enterprise(ctx, args[0])
				if err != nil {
					return err
				}
				w, closeFn, err := outputWriter(out)
				if err != nil {
					return err
				}
				defer closeFn()
				switch format {
				case "json":
					return export.WriteJSON(w, bundle)
				case "csv":
					return export.WriteEnterpriseCSV(w, bundle)
				default:
					return fmt.Errorf("format must be json or csv")
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, csv)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the scoring policy"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the scoring policy stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printEntity(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a scoring policy from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertScoringConfig(ctx, cfg); err != nil {
					return err
				}
				return printEntity(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML policy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default scoring policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := config.GenerateDefault()
			if out == "" {
				fmt.Print(content)
				return nil
			}
			return os.WriteFile(out, []byte(content), 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "keel_" + hex.EncodeToString(raw)
			apiKey := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actorID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, apiKey); err != nil {
					return err
				}
				out := map[string]any{
					"id":       apiKey.ID,
					"actor_id": apiKey.ActorID,
					"name":     apiKey.Name,
					"secret":   secret,
				}
				return printEntity(out)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printEntity(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Governance ledger",
		Long:  "The append-only record behind every governance action. Events are never edited or deleted.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var decisionID, evtType string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger events for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if decisionID == "" {
				return fmt.Errorf("--decision required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListLedgerEvents(ctx, decisionID, evtType, n)
				if err != nil {
					return err
				}
				return printEntity(events)
			})
		},
	}
	cmd.Flags().StringVar(&decisionID, "decision", "", "decision id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	var webhookURLs []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := r.GetScoringConfig(cmd.Context())
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("KEEL_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("KEEL_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			var webhooks []server.WebhookConfig
			for _, u := range webhookURLs {
				webhooks = append(webhooks, server.WebhookConfig{URL: u, Secret: os.Getenv("KEEL_WEBHOOK_SECRET")})
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Webhooks: webhooks})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Keel API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept the deprecated X-Actor-Id header")
	cmd.Flags().StringArrayVar(&webhookURLs, "webhook", []string{}, "ledger webhook URL (repeatable)")
	return cmd
}

// --- helpers ---

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
	r := repo.Repo{DB: conn}
	cfg, err := r.GetScoringConfig(ctx)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func payloadBytes(payload, file string) (json.RawMessage, error) {
	switch {
	case payload != "" && file != "":
		return nil, fmt.Errorf("--payload and --file are mutually exclusive")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	case payload != "":
		return json.RawMessage(payload), nil
	default:
		return nil, fmt.Errorf("--payload or --file required")
	}
}

func outputWriter(out string) (*os.File, func(), error) {
	if out == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// printEntity renders a single record as a field/value table, or as JSON when
// --json is set. Values that are not flat strings or numbers show as compact
// JSON; non-object payloads fall back to JSON output.
func printEntity(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		var s string
		if err := json.Unmarshal(fields[k], &s); err != nil {
			s = string(fields[k])
		}
		tw.AppendRow(table.Row{k, s})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
