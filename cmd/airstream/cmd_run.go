package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/domain"
)

//nolint:gochecknoglobals // cobra command tree
var (
	runSessionID string
	runUserID    string
	runJSON      bool
)

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session ID (default: random)")
	runCmd.Flags().StringVar(&runUserID, "user", "cli", "user ID sent upstream")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print messages as JSON")
	rootCmd.AddCommand(runCmd)
}

//nolint:gochecknoglobals // cobra command tree
var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Stream one turn from the configured endpoint and print the messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTurn,
}

func runTurn(cmd *cobra.Command, args []string) error {
	sessionID := runSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	orchestrator := newOrchestrator(cfg, streamingClient(), agent.DefaultRegistry(), nil, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Stream.DrainTimeout+time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	}()

	res, err := orchestrator.RunTurn(cmd.Context(), agent.TurnInput{
		SessionID: sessionID,
		UserID:    runUserID,
		Text:      strings.Join(args, " "),
	})
	if errors.Is(err, domain.ErrRejectedInput) {
		return err
	}

	msgs, derr := orchestrator.Store().Derive(sessionID)
	if derr != nil && !errors.Is(derr, domain.ErrNotFound) {
		return derr
	}
	if perr := printMessages(cmd.OutOrStdout(), msgs, runJSON); perr != nil {
		return perr
	}

	if err != nil {
		return fmt.Errorf("turn %s after %d attempt(s): %w", res.Reason, res.Attempts, err)
	}
	return nil
}

func printMessages(w io.Writer, msgs []domain.Message, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	for _, m := range msgs {
		line := fmt.Sprintf("[%s] %s", m.Author, m.Text)
		if m.Kind != domain.MessageKindText {
			line = fmt.Sprintf("[%s/%s] %s", m.Author, m.Kind, m.Text)
		}
		if m.Warning != "" {
			line += " (" + m.Warning + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
