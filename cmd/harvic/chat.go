package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/harvic/internal/app"
	"github.com/MrWong99/harvic/internal/chat"
	"github.com/MrWong99/harvic/internal/history"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var newSession bool
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a text message, or start an interactive chat",
		Long: `With arguments, sends them as one message to the current session and prints
the streamed reply. Without arguments, reads one message per line until EOF
or /quit. /new starts a new session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, cleanup, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := a.Chat()
			if err != nil {
				return err
			}
			if newSession {
				if _, err := a.History().NewSession(ctx); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				_, err := send(ctx, svc, out, strings.Join(args, " "))
				return err
			}
			return chatLoop(ctx, a, svc, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().BoolVar(&newSession, "new", false, "start a new session first")
	return cmd
}

// send streams one reply to out, followed by the sources it cites. A failed
// reply has already been stored; its text is printed in place of the stream.
func send(ctx context.Context, svc *chat.Service, out io.Writer, text string) (history.Message, error) {
	streamed := false
	reply, err := svc.Send(ctx, text, func(delta string) {
		streamed = true
		fmt.Fprint(out, delta)
	})
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return history.Message{}, err
		}
		if streamed {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, chat.FailureMessage)
		return history.Message{}, err
	}
	fmt.Fprintln(out)
	printSources(out, reply.Sources)
	return reply, nil
}

// printSources lists citations as numbered lines. Untitled sources show
// their URL only.
func printSources(out io.Writer, sources []history.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(out, "Sources:")
	for i, src := range sources {
		if src.Title == "" || src.Title == src.URL {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, src.URL)
			continue
		}
		fmt.Fprintf(out, "  [%d] %s <%s>\n", i+1, src.Title, src.URL)
	}
}

func chatLoop(ctx context.Context, a *app.App, svc *chat.Service, in io.Reader, out io.Writer) error {
	sess, err := a.History().Current(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s: %s\n", shortID(sess.ID), sess.Title)

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		switch line := strings.TrimSpace(sc.Text()); line {
		case "":
		case "/quit":
			return nil
		case "/new":
			sess, err := a.History().NewSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s: %s\n", shortID(sess.ID), sess.Title)
		default:
			if _, err := send(ctx, svc, out, line); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Debug("chat turn failed", "err", err)
			}
		}
	}
}
