// File: cmd/app/commands.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// withApp runs fn against a freshly wired app, cancelling on SIGINT/SIGTERM.
func withApp(flags *rootFlags, fn func(ctx context.Context, a *app, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := buildApp(ctx, flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd.OutOrStdout())
	}
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
				if err := a.session.Start(ctx); err != nil {
					return err
				}
				printer := newTranscriptPrinter(out, false)
				// history is already on screen for chat; a one-shot send only shows the new turn
				printer.skipExisting(a.session.Messages())
				unsub := a.session.Subscribe(printer.Update)
				defer unsub()
				_, err := a.session.Send(ctx, text)
				return err
			})(cmd, args)
		},
	}
}

func newBalanceCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the current credit balance",
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
			v := a.ledger.FetchBalance(ctx)
			fmt.Fprintln(out, renderBalance(v.Balance, v.State))
			return nil
		}),
	}
}

func newTransactionsCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List recent credit transactions",
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
			txs, err := a.ledger.Transactions(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, headerStyle.Render("WHEN")+"\tTYPE\tAMOUNT\tBALANCE\tREASON")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%s\t%s\t%+d\t%d -> %d\t%s\n",
					tx.Timestamp.Local().Format(time.DateTime), tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.Reason)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of transactions")
	return cmd
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation history",
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.session.Start(ctx); err != nil {
				return err
			}
			for _, m := range a.session.Messages() {
				fmt.Fprintf(out, "%s %s\n", dimStyle.Render(m.Timestamp.Local().Format(time.DateTime)), renderMessage(m))
			}
			return nil
		}),
	}
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the conversation memory and start a new session",
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
			if err := a.session.Start(ctx); err != nil {
				return err
			}
			if err := a.session.ClearChat(ctx); err != nil {
				fmt.Fprintln(out, noticeStyle.Render(tr.T("clear_failed", err.Error())))
			}
			for _, m := range a.session.Messages() {
				fmt.Fprintln(out, renderMessage(m))
			}
			return nil
		}),
	}
}

func newRefillCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refill",
		Short: "Inspect or trigger credit refills",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "timing",
			Short: "Show the refill policy",
			RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
				p, err := a.ledger.RefillTiming(ctx)
				if err != nil {
					return err
				}
				state := tr.T("refill_disabled")
				if p.Enabled {
					state = tr.T("refill_enabled")
				}
				fmt.Fprintln(out, boxStyle.Render(fmt.Sprintf("%s\nevery     %s\namount    %d\nmax       %d\nstate     %s\n%s",
					headerStyle.Render(tr.T("refill_policy_title")), p.Interval(), p.Amount, p.MaxCredits, state, p.Description)))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "analytics",
			Short: "Show refill analytics (admin)",
			RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
				an, err := a.ledger.RefillAnalytics(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, boxStyle.Render(fmt.Sprintf("%s\nrefills   %d\ngranted   %d\nusers     %d\nlast run  %s\nnext run  %s",
					headerStyle.Render(tr.T("refill_analytics_title")), an.TotalRefills, an.TotalCreditsGranted, an.UsersRefilled, fmtTime(an.LastRunAt), fmtTime(an.NextRunAt))))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show refill status for all users (admin)",
			RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
				all, err := a.ledger.RefillStatusAll(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, headerStyle.Render("USER")+"\tCREDITS\tELIGIBLE\tLAST\tNEXT")
				for _, st := range all {
					fmt.Fprintf(tw, "%s\t%d/%d\t%t\t%s\t%s\n", st.UserID, st.CurrentCredits, st.MaxCredits, st.EligibleForRefill, fmtTime(st.LastRefillAt), fmtTime(st.NextRefillAt))
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "manual",
			Short: "Trigger a refill for the current user (admin)",
			RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer) error {
				if _, err := a.ledger.ManualRefill(ctx); err != nil {
					return err
				}
				v := a.ledger.View()
				fmt.Fprintln(out, renderBalance(v.Balance, v.State))
				return nil
			}),
		},
	)
	return cmd
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
