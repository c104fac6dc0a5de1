package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nadavbarak14/agentide/internal/api"
	"github.com/nadavbarak14/agentide/internal/scheduler"
	"github.com/nadavbarak14/agentide/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "Manage sessions on a running server",
	Long:    `Commands for creating, listing and controlling sessions through the agentide HTTP API.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions with their status, worker and queue position.

Flags column: L = locked, I = waiting for input, R = resumes in continuation
mode when started.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [dir]",
	Short: "Create a session in a working directory",
	Long: `Create a session. It starts immediately if capacity allows and is
queued otherwise. The directory defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessionsCreate,
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Stop an active session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsKill,
}

var sessionsContinueCmd = &cobra.Command{
	Use:   "continue <session-id>",
	Short: "Continue a completed session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsContinue,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session that is not active",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsInputCmd = &cobra.Command{
	Use:   "input <session-id> <text>",
	Short: "Send input to an active session",
	Long: `Send text to an active session's terminal. A trailing newline is added
unless --raw is given.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSessionsInput,
}

var sessionsLockCmd = &cobra.Command{
	Use:   "lock <session-id>",
	Short: "Protect a session from auto-suspend",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setLocked(cmd, args[0], true) },
}

var sessionsUnlockCmd = &cobra.Command{
	Use:   "unlock <session-id>",
	Short: "Allow a session to be auto-suspended again",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setLocked(cmd, args[0], false) },
}

var (
	listStatus   string
	createTitle  string
	createWorker string
	createLocked bool
	inputRaw     bool
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsKillCmd)
	sessionsCmd.AddCommand(sessionsContinueCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsInputCmd)
	sessionsCmd.AddCommand(sessionsLockCmd)
	sessionsCmd.AddCommand(sessionsUnlockCmd)

	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "only show sessions with this status (queued, active, completed, failed)")
	sessionsCreateCmd.Flags().StringVarP(&createTitle, "title", "t", "", "session title")
	sessionsCreateCmd.Flags().StringVarP(&createWorker, "worker", "w", "", "worker id (default: the local worker)")
	sessionsCreateCmd.Flags().BoolVar(&createLocked, "locked", false, "never auto-suspend this session")
	sessionsInputCmd.Flags().BoolVar(&inputRaw, "raw", false, "send text without a trailing newline")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	path := "/api/sessions"
	if listStatus != "" {
		path += "?status=" + url.QueryEscape(listStatus)
	}

	var sessions []*store.Session
	if err := clientFromConfig().do(cmd.Context(), http.MethodGet, path, nil, &sessions); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	fmt.Fprint(out, renderSessions(sessions, terminalWidth(out)))
	return nil
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}

	var s store.Session
	err = clientFromConfig().do(cmd.Context(), http.MethodPost, "/api/sessions", scheduler.CreateInput{
		WorkingDirectory: abs,
		Title:            createTitle,
		WorkerID:         createWorker,
		Locked:           createLocked,
	}, &s)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch s.Status {
	case store.StatusActive:
		fmt.Fprintf(out, "Session %s started on %s (pid %d)\n", s.ID, s.WorkerID, s.PID)
	case store.StatusQueued:
		fmt.Fprintf(out, "Session %s queued at position %d\n", s.ID, s.Position)
	default:
		fmt.Fprintf(out, "Session %s %s\n", s.ID, s.Status)
	}
	return nil
}

func runSessionsKill(cmd *cobra.Command, args []string) error {
	var r api.ResultResponse
	if err := clientFromConfig().do(cmd.Context(), http.MethodPost, sessionPath(args[0], "kill"), nil, &r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Kill requested for %s\n", args[0])
	return nil
}

func runSessionsContinue(cmd *cobra.Command, args []string) error {
	var s store.Session
	if err := clientFromConfig().do(cmd.Context(), http.MethodPost, sessionPath(args[0], "continue"), nil, &s); err != nil {
		return err
	}
	if s.Status == store.StatusQueued {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s queued to continue at position %d\n", s.ID, s.Position)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", s.ID, s.Status)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	if err := clientFromConfig().do(cmd.Context(), http.MethodDelete, sessionPath(args[0], ""), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runSessionsInput(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	if !inputRaw {
		text += "\n"
	}
	return clientFromConfig().do(cmd.Context(), http.MethodPost, sessionPath(args[0], "input"), api.InputRequest{Text: text}, nil)
}

func setLocked(cmd *cobra.Command, id string, locked bool) error {
	var s store.Session
	if err := clientFromConfig().do(cmd.Context(), http.MethodPost, sessionPath(id, "lock"), api.LockRequest{Locked: locked}, &s); err != nil {
		return err
	}
	state := "unlocked"
	if s.Locked {
		state = "locked"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", s.ID, state)
	return nil
}

func sessionPath(id, action string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
