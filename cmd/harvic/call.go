package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MrWong99/harvic/internal/app"
	"github.com/MrWong99/harvic/internal/call"
)

const callHelp = `Commands while connected:
  /mute    toggle the microphone
  /video   toggle the video stream
  /quit    hang up
Any other line is sent to the model as a typed turn.`

func newCallCmd(opts *rootOptions) *cobra.Command {
	var (
		withVideo bool
		muted     bool
		mode      string
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Start a voice call",
		Long:  "Start a full-duplex voice call with the live model.\n\n" + callHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("video") {
				opts.cfg.Video.Enabled = withVideo
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, cleanup, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return opts.withDiagnostics(ctx, a, func(ctx context.Context) error {
				return runCall(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), muted, app.WithMode(mode))
			})
		},
	}
	cmd.Flags().BoolVar(&withVideo, "video", false, "stream video stills during the call (overrides video.enabled)")
	cmd.Flags().BoolVar(&muted, "muted", false, "start with the microphone muted")
	cmd.Flags().StringVar(&mode, "mode", app.ModeAssistant, "call mode: assistant or iq (a spoken logic and math quiz)")
	return cmd
}

// callUI prints controller events. Its callbacks run under the controller
// lock, so they only write and signal.
type callUI struct {
	out io.Writer

	mu    sync.Mutex
	last  string
	ended chan struct{}
	once  sync.Once
}

func newCallUI(out io.Writer) *callUI {
	return &callUI{out: out, ended: make(chan struct{})}
}

func (u *callUI) status(s call.Status) {
	u.mu.Lock()
	line := "[" + s.Label + "]"
	if s.Muted {
		line += " (muted)"
	}
	if line != u.last {
		u.last = line
		fmt.Fprintln(u.out, line)
	}
	u.mu.Unlock()

	if s.State == call.Error || s.State == call.Closed {
		u.once.Do(func() { close(u.ended) })
	}
}

func (u *callUI) transcript(t call.Transcript) {
	who := "harvic"
	if t.Speaker == call.SpeakerUser {
		who = "you"
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, "%s: %s\n", who, t.Text)
}

// runCall drives one call from the terminal until the user hangs up, ctx is
// cancelled or the call ends on its own.
func runCall(ctx context.Context, a *app.App, in io.Reader, out io.Writer, muted bool, opts ...app.CallOption) error {
	ui := newCallUI(out)
	c, err := a.Call(ctx, call.Observer{OnStatus: ui.status, OnTranscript: ui.transcript}, opts...)
	if err != nil {
		return err
	}
	if muted {
		c.SetMuted(true)
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

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

	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case <-ui.ended:
			c.Wait()
			if st := c.Status(); st.State == call.Error {
				return st.Err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.Close()
			}
			switch line = strings.TrimSpace(line); line {
			case "":
			case "/mute":
				c.ToggleMute()
			case "/video":
				c.SetVideo(!c.Status().Video)
			case "/quit":
				return c.Close()
			case "/help":
				fmt.Fprintln(out, callHelp)
			default:
				if err := c.SendText(line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	}
}
