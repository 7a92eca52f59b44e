package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botwarden"
)

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last cycle report of a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := time.ParseDuration(flags.APITimeout)
			if err != nil {
				return fmt.Errorf("invalid --api-timeout: %w", err)
			}
			c := NewAPIClient(flags.APIUrl, timeout)
			if flags.Worker != "" {
				w, err := c.Worker(flags.Worker)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			}
			rep, err := c.Status()
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080", "status API base URL")
	cmd.Flags().StringVar(&flags.APITimeout, "api-timeout", "10s", "status API request timeout")
	cmd.Flags().StringVar(&flags.Worker, "worker", "", "show a single worker by path")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw report")
	return cmd
}

// APIClient reads the supervisor's status API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) Status() (botwarden.Report, error) {
	var rep botwarden.Report
	err := c.get("/status", &rep)
	return rep, err
}

func (c *APIClient) Worker(path string) (botwarden.WorkerReport, error) {
	var w botwarden.WorkerReport
	err := c.get("/status?worker="+url.QueryEscape(path), &w)
	return w, err
}

func (c *APIClient) get(path string, v any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(out io.Writer, rep botwarden.Report) {
	_, _ = fmt.Fprintf(out, "cycle %s (%s), mode %s\n",
		rep.FinishedAt.Local().Format("2006-01-02 15:04:05"), rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond), rep.Mode)
	if rep.Error != "" {
		_, _ = fmt.Fprintf(out, "error: %s\n", rep.Error)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKER\tSTATUS\tMEM(MB)\tUPTIME\tACTION\tPOLICY")
	for _, w := range rep.Workers {
		action := string(w.Action)
		if w.Reason != "" {
			action += " (" + w.Reason + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
			w.Path, w.Status, w.MemoryMB, w.Uptime.Truncate(time.Second), action, w.Policy)
	}
	_ = tw.Flush()
	if len(rep.Queue.Queue) > 0 {
		_, _ = fmt.Fprintf(out, "uptime queue: %d waiting", len(rep.Queue.Queue))
		if rep.Queue.Blocked != "" {
			_, _ = fmt.Fprintf(out, ", %s", rep.Queue.Blocked)
		}
		_, _ = fmt.Fprintln(out)
	}
	if rep.Memory.High {
		_, _ = fmt.Fprintf(out, "memory: %.1f%% %s\n", rep.Memory.Percent, rep.Memory.Action)
	}
}
