// Command admin inspects a running project-vs API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPI = "http://localhost:8080"

var (
	apiURL    string
	sessionID string
	dumpJSON  bool
	limit     int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect projects and history on a project-vs server",
	Long: `admin queries the project-vs REST API on behalf of one session.

Examples:
  admin projects --session 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  admin history <project-id> src/App.js --limit 5
  admin files <project-id> --json`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envDefault("PROJECTVS_API", defaultAPI), "Base URL of the project-vs REST API")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("PROJECTVS_SESSION"), "Session id sent as X-Session-ID")
	rootCmd.PersistentFlags().BoolVar(&dumpJSON, "json", false, "Output JSON instead of table")
	historyCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of commits (0 for all)")

	rootCmd.AddCommand(healthCmd, projectsCmd, filesCmd, historyCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		body, err := get("/healthz", nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
		return nil
	},
}

type project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ClonedFrom  string    `json:"clonedFrom,omitempty"`
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List the session's projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp struct {
			Projects []project `json:"projects"`
		}
		if err := getJSON("/api/v1/projects", nil, &resp); err != nil {
			return err
		}
		if dumpJSON {
			return writeJSON(cmd.OutOrStdout(), resp.Projects)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "ID\tName\tUpdated\tClonedFrom\n")
		for _, p := range resp.Projects {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.UpdatedAt.Format(time.RFC3339), p.ClonedFrom)
		}
		return tw.Flush()
	},
}

type fileEntry struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var filesCmd = &cobra.Command{
	Use:   "files <project-id>",
	Short: "List the files of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Files []fileEntry `json:"files"`
		}
		if err := getJSON("/api/v1/projects/"+url.PathEscape(args[0])+"/files", nil, &resp); err != nil {
			return err
		}
		if dumpJSON {
			return writeJSON(cmd.OutOrStdout(), resp.Files)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Path\tSize\tUpdated\n")
		for _, f := range resp.Files {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Path, f.Size, f.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

type commit struct {
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"date"`
}

var historyCmd = &cobra.Command{
	Use:   "history <project-id> [path]",
	Short: "Show project or file history, newest first",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := "/api/v1/projects/" + url.PathEscape(args[0]) + "/history"
		if len(args) == 2 {
			endpoint = "/api/v1/history/" + url.PathEscape(args[0]) + "/" + strings.TrimLeft(args[1], "/")
		}
		query := url.Values{}
		if limit > 0 {
			query.Set("limit", strconv.Itoa(limit))
		}

		var resp struct {
			History []commit `json:"history"`
		}
		if err := getJSON(endpoint, query, &resp); err != nil {
			return err
		}
		if dumpJSON {
			return writeJSON(cmd.OutOrStdout(), resp.History)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Commit\tDate\tAuthor\tMessage\n")
		for _, c := range resp.History {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortHash(c.Hash), c.Timestamp.Format(time.RFC3339), c.Author, c.Message)
		}
		return tw.Flush()
	},
}

func get(endpoint string, query url.Values) ([]byte, error) {
	target := strings.TrimRight(apiURL, "/") + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("query failed: %s", resp.Status)
	}
	return body, nil
}

func getJSON(endpoint string, query url.Values, out any) error {
	body, err := get(endpoint, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
