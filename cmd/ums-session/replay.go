// ABOUTME: replay command: plays a scripted server session through the full engine
// ABOUTME: Offline; no credentials or network are needed

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/ums-session/internal/config"
	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/replay"
	"github.com/2389/ums-session/internal/session"
	"github.com/2389/ums-session/internal/store"
)

var (
	replaySay     []string
	replayTimeout time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Play a recorded session script offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), replayTimeout)
		defer cancel()
		return runReplay(ctx, args[0], cmd.OutOrStdout())
	},
}

func init() {
	replayCmd.Flags().StringArrayVar(&replaySay, "say", nil, "Message to send once connected (repeatable)")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 30*time.Second, "Give up if the script has not finished by then")
}

func runReplay(ctx context.Context, path string, out io.Writer) error {
	script, err := replay.Load(path)
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, os.Stderr)

	defaults := config.Default()
	dialer := &replay.Dialer{Script: script}
	engine := session.New(engineConfig(defaults), session.Deps{
		Broker: replay.Broker{Script: script},
		Dialer: dialer,
		Store:  store.NewMemoryStore(nil),
	}, logger)
	defer engine.Close()

	p := newPrinter(out)
	go render(ctx, engine, p)

	if err := engine.InitState(ctx, script.Account, script.Skill); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	engine.SetView(true, false)

	connected := func() bool {
		s := engine.View().Connection
		return s == connection.StateConnected || s == connection.StateSubscribed
	}
	if err := waitUntil(ctx, connected); err != nil {
		return fmt.Errorf("waiting for connection: %w", err)
	}
	for _, text := range replaySay {
		if err := engine.SendMessage(text); err != nil {
			return fmt.Errorf("sending %q: %w", text, err)
		}
	}

	finished := func() bool {
		sock := dialer.Last()
		return sock != nil && sock.Finished()
	}
	if err := waitUntil(ctx, finished); err != nil {
		return fmt.Errorf("script did not finish: %w", err)
	}
	// Let the last batch settle before the summary.
	time.Sleep(2 * defaults.Session.SettleDelay)

	v := engine.View()
	color.New(color.FgGreen).Fprintf(out, "replay finished: %d messages, connection %s\n", len(v.Messages), v.Connection)
	return nil
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
