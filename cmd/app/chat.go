// File: cmd/app/chat.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"companion-session/internal/domain"
	"companion-session/internal/domain/model"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	printer := newTranscriptPrinter(out, false)
	unsub := a.session.Subscribe(printer.Update)
	defer unsub()
	unsubLedger := a.ledger.Subscribe(func(v model.LedgerView) {
		if v.Reason != "" {
			a.log.Debug().Str("state", string(v.State)).Str("reason", v.Reason).Msg("ledger changed")
		}
	})
	defer unsubLedger()

	if err := a.session.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, dimStyle.Render(tr.T("repl_banner", a.session.Conversation().ID, a.session.Mode())+"  "+tr.T("repl_help")))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, gctx := errgroup.WithContext(gctx)

	if srv := a.metricsServer(); srv != nil {
		eg.Go(func() error {
			a.log.Info().Str("addr", srv.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		defer cancel()
		for {
			fmt.Fprint(out, userStyle.Render("> "))
			var line string
			select {
			case <-gctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(l)
			}
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				quit, err := replCommand(gctx, a, line, out)
				if err != nil {
					fmt.Fprintln(out, errorStyle.Render(err.Error()))
				}
				if quit {
					return nil
				}
				continue
			}
			if _, err := a.session.Send(gctx, line); err != nil {
				// turn failures already land in the transcript; only surface the rest
				if errors.Is(err, domain.ErrSendInFlight) || errors.Is(err, domain.ErrValidation) {
					fmt.Fprintln(out, noticeStyle.Render(err.Error()))
				}
				a.log.Debug().Err(err).Msg("send")
			}
		}
	})
	return eg.Wait()
}

func replCommand(ctx context.Context, a *app, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, dimStyle.Render(tr.T("repl_help")))
	case "/balance":
		v := a.ledger.FetchBalance(ctx)
		fmt.Fprintln(out, renderBalance(v.Balance, v.State))
	case "/mode":
		if len(fields) < 2 {
			fmt.Fprintln(out, dimStyle.Render(tr.T("repl_mode", a.session.Mode())))
			return false, nil
		}
		if err := a.session.SetMode(fields[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(out, dimStyle.Render(tr.T("repl_mode", a.session.Mode())))
	case "/clear":
		return false, a.session.ClearChat(ctx)
	default:
		return false, errors.New(tr.T("repl_unknown_command", fields[0]))
	}
	return false, nil
}
