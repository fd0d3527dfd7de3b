package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"duewatch/internal/app"
	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	"duewatch/internal/duedate"
	"duewatch/internal/occasion"
	"duewatch/internal/reconcile"
)

type occasionRow struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DaysBefore  int       `json:"days_before"`
	Overdue     bool      `json:"overdue"`
}

type dueResult struct {
	Kind      domain.Kind   `json:"kind"`
	Anchor    string        `json:"anchor"`
	AsOf      string        `json:"as_of"`
	Rule      string        `json:"rule"`
	NextDue   string        `json:"next_due"`
	Occasions []occasionRow `json:"occasions"`
}

func dueCmd() *cobra.Command {
	var kind, anchor, recurrence, asOf string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Compute the next due date and reminder schedule for an ad-hoc obligation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			calc, err := app.NewCalculator(cfg)
			if err != nil {
				return err
			}
			planner, err := app.NewPlanner(cfg)
			if err != nil {
				return err
			}

			ob := domain.Obligation{
				ID:         "adhoc",
				TenantID:   "cli",
				Kind:       domain.NormalizeKind(kind),
				Active:     true,
				Recurrence: domain.RecurrenceMonthly,
			}
			if ob.AnchorDate, err = time.Parse(domain.DateLayout, anchor); err != nil {
				return fmt.Errorf("--anchor: %w", err)
			}
			if recurrence != "" {
				if ob.Recurrence, err = domain.ParseRecurrence(recurrence); err != nil {
					return fmt.Errorf("--recurrence: %w", err)
				}
			}
			today := duedate.DateOf(time.Now(), planner.Location())
			if asOf != "" {
				if today, err = time.Parse(domain.DateLayout, asOf); err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
			}

			next, err := calc.Next(ob.Kind, ob.AnchorDate, ob.Recurrence, today)
			if err != nil {
				return err
			}
			rule, _ := calc.Rule(ob.Kind)
			res := dueResult{
				Kind:    ob.Kind,
				Anchor:  ob.AnchorDate.Format(domain.DateLayout),
				AsOf:    today.Format(domain.DateLayout),
				Rule:    rule.String(),
				NextDue: next.Format(domain.DateLayout),
			}
			if res.Occasions, err = schedule(planner, ob, next); err != nil {
				return err
			}
			if jsonMode {
				return printJSON(res)
			}
			fmt.Printf("%s anchored %s (%s): next due %s as of %s\n", res.Kind, res.Anchor, res.Rule, res.NextDue, res.AsOf)
			renderOccasions(res.Occasions, planner.Location())
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "obligation kind, e.g. VAT or CAC")
	cmd.Flags().StringVar(&anchor, "anchor", "", "anchor date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&recurrence, "recurrence", "", "monthly, yearly or one_time (default monthly)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "civil date to compute from (default today in scheduler.timezone)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("anchor")
	return cmd
}

func occasionsCmd() *cobra.Command {
	var due string
	cmd := &cobra.Command{
		Use:   "occasions <obligation-id>",
		Short: "Show the reminder schedule of a stored obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *app.Engine) error {
				ob, err := eng.Store.GetObligation(ctx, args[0])
				if err != nil {
					return err
				}
				at := ob.NextDueDate
				if due != "" {
					if at, err = time.Parse(domain.DateLayout, due); err != nil {
						return fmt.Errorf("--due: %w", err)
					}
				}
				if at.IsZero() {
					return fmt.Errorf("obligation %s has no computed due date; pass --due", ob.ID)
				}
				planner := eng.Planner()
				rows, err := schedule(planner, ob, at)
				if err != nil {
					return err
				}
				if jsonMode {
					return printJSON(rows)
				}
				renderOccasions(rows, planner.Location())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "due date to plan for (default the stored next due date)")
	return cmd
}

func schedule(p *occasion.Planner, ob domain.Obligation, due time.Time) ([]occasionRow, error) {
	occs, err := p.Schedule(ob, due)
	if err != nil {
		return nil, err
	}
	rows := make([]occasionRow, 0, len(occs))
	for _, o := range occs {
		rows = append(rows, occasionRow{
			Key:         o.ID.Key(),
			Label:       o.ID.Label,
			ScheduledAt: o.ScheduledAt,
			DaysBefore:  o.DaysBefore,
			Overdue:     o.Overdue(),
		})
	}
	return rows, nil
}

func renderOccasions(rows []occasionRow, loc *time.Location) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Label", "Scheduled", "Days before", "Overdue"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.Label, r.ScheduledAt.In(loc).Format("2006-01-02 15:04 MST"), r.DaysBefore, r.Overdue})
	}
	tw.Render()
}

func renderSummary(s dispatch.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("run " + s.RunID)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRows([]table.Row{
		{"obligations", s.Obligations},
		{"due dates updated", s.DueDatesUpdated},
		{"attempted", s.Attempted},
		{"sent", s.Sent},
		{"partially sent", s.PartiallySent},
		{"failed", s.Failed},
		{"already sent", s.AlreadySent},
		{"no channels", s.NoChannels},
		{"config errors", s.ConfigErrors},
		{"obligation errors", s.ObligationErrors},
		{"took", s.Took.Round(time.Millisecond)},
	})
	if s.Aborted {
		tw.AppendFooter(table.Row{"aborted", s.Error})
	}
	tw.Render()
	if len(s.FailedOccasions) > 0 {
		fmt.Println("failed occasions:\n  " + strings.Join(s.FailedOccasions, "\n  "))
	}
}

func renderSweep(r reconcile.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Downgraded", "Deactivated", "Took"})
	tw.AppendRow(table.Row{r.Downgraded, r.Deactivated, r.Took.Round(time.Millisecond)})
	tw.Render()
	for _, id := range r.Tenants {
		fmt.Println("  downgraded:", id)
	}
	if n := r.Renewals; n != nil {
		fmt.Printf("renewal notices: sent=%d failed=%d already_sent=%d no_recipient=%d\n", n.Sent, n.Failed, n.AlreadySent, n.NoRecipient)
	}
}
