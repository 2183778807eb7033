package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/clipwatch/internal/backend"
	"github.com/kalambet/clipwatch/internal/config"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start or stop a monitoring session",
}

type sessionInfo struct {
	SessionID string     `json:"session_id"`
	DeviceID  string     `json:"device_id"`
	Remote    bool       `json:"remote"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at"`
}

func sessionAction(path, verb string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSessionAction(cmd.Context(), client, path, verb)
	}
}

func runSessionAction(ctx context.Context, client *apiClient, path, verb string) error {
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return err
	}
	var info sessionInfo
	if err := decodeJSON(resp, &info); err != nil {
		return err
	}
	mode := "local"
	if info.Remote {
		mode = "remote"
	}
	printSuccess("%s session %s (%s)", verb, info.SessionID, mode)
	return nil
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin recording a new session",
	RunE:  sessionAction("/session/start", "Started"),
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session after processing the partial clip and the queue",
	RunE:  sessionAction("/session/stop", "Stopped"),
}

var sessionForceStopCmd = &cobra.Command{
	Use:   "force-stop",
	Short: "Abort the session and delete every clip it stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes all clips of the current session. Use --confirm to proceed.")
			return nil
		}
		return sessionAction("/session/force-stop", "Aborted")(cmd, args)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listSessions(cmd.Context(), client, os.Stdout, limit)
	},
}

func listSessions(ctx context.Context, client *apiClient, w io.Writer, limit int) error {
	resp, err := client.get(ctx, "/sessions?limit="+strconv.Itoa(limit))
	if err != nil {
		return err
	}
	var rows []sessionRow
	if err := decodeJSON(resp, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	writeSessionRows(w, rows)
	return nil
}

func init() {
	sessionForceStopCmd.Flags().Bool("confirm", false, "confirm deleting the session's clips")
	sessionListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionForceStopCmd)
}

// --- clips ---

var clipsCmd = &cobra.Command{
	Use:   "clips",
	Short: "Inspect stored clips",
}

func clipsQuery(pending, uploaded bool, sessionID string, limit int) string {
	q := url.Values{}
	switch {
	case pending:
		q.Set("uploaded", "false")
	case uploaded:
		q.Set("uploaded", "true")
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	q.Set("limit", strconv.Itoa(limit))
	return "/clips?" + q.Encode()
}

var clipsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored clips, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, _ := cmd.Flags().GetBool("pending")
		uploaded, _ := cmd.Flags().GetBool("uploaded")
		sessionID, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		if pending && uploaded {
			return fmt.Errorf("--pending and --uploaded are mutually exclusive")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), clipsQuery(pending, uploaded, sessionID, limit))
		if err != nil {
			return err
		}
		var clips []clipRow
		if err := decodeJSON(resp, &clips); err != nil {
			return err
		}

		if len(clips) == 0 {
			fmt.Println("No clips found.")
			return nil
		}
		writeClipRows(os.Stdout, clips)
		return nil
	},
}

var clipsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single clip as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/clips/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var clip any
		if err := decodeJSON(resp, &clip); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(clip)
	},
}

var clipsExportCmd = &cobra.Command{
	Use:   "export <id> <file>",
	Short: "Write a clip's media to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/clips/"+url.PathEscape(args[0])+"/media")
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return decodeJSON(resp, nil)
		}
		defer resp.Body.Close()

		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing clip: %w", err)
		}
		printSuccess("Wrote %s (%s)", args[1], humanBytes(n))
		return nil
	},
}

var clipsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored clip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/clips/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted clip %s", args[0])
		return nil
	},
}

func init() {
	clipsListCmd.Flags().Bool("pending", false, "only clips not yet uploaded")
	clipsListCmd.Flags().Bool("uploaded", false, "only uploaded clips")
	clipsListCmd.Flags().String("session", "", "only clips of this session")
	clipsListCmd.Flags().Int("limit", 50, "maximum number of clips to list")
	clipsCmd.AddCommand(clipsListCmd)
	clipsCmd.AddCommand(clipsShowCmd)
	clipsCmd.AddCommand(clipsExportCmd)
	clipsCmd.AddCommand(clipsDeleteCmd)
}

// --- upload ---

type passResult struct {
	Scanned     int `json:"scanned"`
	Uploaded    int `json:"uploaded"`
	Rescheduled int `json:"rescheduled"`
	Recovered   int `json:"recovered"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Run an upload pass over pending clips now",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/uploads/flush"
		if sessionID != "" {
			path += "?session_id=" + url.QueryEscape(sessionID)
		}
		printStep("Uploading pending clips...")
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var res passResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportPass(res)
		return nil
	},
}

func reportPass(res passResult) {
	if res.Scanned == 0 {
		printSuccess("Nothing to upload")
		return
	}
	printSuccess("Uploaded %d of %d clips", res.Uploaded, res.Scanned)
	if res.Recovered > 0 {
		printStatus("Recovered after retry", "%d", res.Recovered)
	}
	if res.Rescheduled > 0 {
		printWarning("%d clips rescheduled for a later pass", res.Rescheduled)
	}
}

func init() {
	uploadCmd.Flags().String("session", "", "only upload clips of this session")
}

// --- remote ---

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Query the backend directly",
}

var remoteEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "List the events the backend holds for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Backend.URL == "" {
			return fmt.Errorf("backend.url is not configured")
		}

		be := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token)
		events, err := be.ListEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events found.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	},
}

func init() {
	remoteCmd.AddCommand(remoteEventsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("File", "%s", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

A running daemon picks up recording and threshold changes without a restart.
Tokens (server.api_token, backend.token) are written to secrets.json.`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
