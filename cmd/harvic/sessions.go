package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/harvic/internal/history"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions",
	}

	withHistory := func(run func(ctx context.Context, h *history.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return run(ctx, a.History(), cmd.OutOrStdout(), args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, newest first",
			Args:  cobra.NoArgs,
			RunE:  withHistory(listSessions),
		},
		&cobra.Command{
			Use:   "new",
			Short: "Start a new session and select it",
			Args:  cobra.NoArgs,
			RunE: withHistory(func(ctx context.Context, h *history.Store, out io.Writer, _ []string) error {
				sess, err := h.NewSession(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "selected %s\n", shortID(sess.ID))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "use <id>",
			Short: "Select a session by id or unique id prefix",
			Args:  cobra.ExactArgs(1),
			RunE: withHistory(func(ctx context.Context, h *history.Store, out io.Writer, args []string) error {
				id, err := resolveSession(ctx, h, args[0])
				if err != nil {
					return err
				}
				sess, err := h.Select(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "selected %s: %s\n", shortID(sess.ID), sess.Title)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the messages of the current session",
			Args:  cobra.NoArgs,
			RunE: withHistory(func(ctx context.Context, h *history.Store, out io.Writer, _ []string) error {
				sess, err := h.Current(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s (%s)\n", sess.Title, shortID(sess.ID))
				for _, m := range sess.Messages {
					fmt.Fprintf(out, "%s %s: %s\n", m.Timestamp.Format("15:04"), m.Role, m.Text)
					printSources(out, m.Sources)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every session",
			Args:  cobra.NoArgs,
			RunE: withHistory(func(ctx context.Context, h *history.Store, out io.Writer, _ []string) error {
				if _, err := h.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "history cleared")
				return nil
			}),
		},
	)
	return cmd
}

func listSessions(ctx context.Context, h *history.Store, out io.Writer, _ []string) error {
	cur, err := h.Current(ctx)
	if err != nil {
		return err
	}
	sessions, err := h.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		mark := " "
		if s.ID == cur.ID {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s  %-28s  %3d msgs  %s\n",
			mark, shortID(s.ID), s.Title, len(s.Messages), s.Timestamp.Format("2006-01-02 15:04"))
	}
	return nil
}

// resolveSession expands a unique id prefix to the full id.
func resolveSession(ctx context.Context, h *history.Store, prefix string) (string, error) {
	sessions, err := h.Sessions(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range sessions {
		if s.ID == prefix {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, prefix) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", history.ErrSessionNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
