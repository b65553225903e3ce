// Package main implements the remedyctl CLI for manual operations
// against the remedyd HTTP server.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the remedyd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remedyctl",
	Short: "CLI for remedyd HTTP server operations",
	Long: `remedyctl is a command-line interface for the remedyd daemon.
It submits remediation runs, streams their progress, and answers
clarifying questions the agents raise.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "remedyd server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(healthCmd)
}

var (
	submitWorkdir  string
	submitNoClar   bool
	submitFailFast bool
)

// submitCmd submits a remediation run
var submitCmd = &cobra.Command{
	Use:   "submit <item-id>...",
	Short: "Submit a remediation run for one or more work items",
	Long: `Submit a remediation run for one or more work items.

Examples:
  # Remediate two findings in the current checkout
  remedyctl submit w1 w2 --workdir .

  # Skip the clarification phase
  remedyctl submit w1 --workdir /srv/repo --skip-clarification`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// runsCmd lists runs, or shows one run when an id is given
var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List runs or show one run's outcome",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

// watchCmd streams a run's events over SSE
var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's progress events until it finishes",
	Long: `Stream a run's progress events until it finishes.

Examples:
  # Follow a run submitted earlier
  remedyctl watch 4f8a1c0e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// questionsCmd lists pending clarifying questions
var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List pending clarifying questions",
	RunE:  runQuestions,
}

// answerCmd answers a pending clarifying question
var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <value>",
	Short: "Answer a pending clarifying question",
	Args:  cobra.ExactArgs(2),
	RunE:  runAnswer,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check remedyd server health",
	RunE:  runHealth,
}

func init() {
	submitCmd.Flags().StringVar(&submitWorkdir, "workdir", "", "repository checkout the agents operate in (required)")
	submitCmd.Flags().BoolVar(&submitNoClar, "skip-clarification", false, "skip the clarification phase")
	submitCmd.Flags().BoolVar(&submitFailFast, "fail-fast", false, "cancel remaining work on the first failed item")
	_ = submitCmd.MarkFlagRequired("workdir")
}

// SubmitRequest matches internal/httpapi/server.go submit handling.
type SubmitRequest struct {
	ItemIDs    []string      `json:"item_ids"`
	WorkingDir string        `json:"working_dir"`
	Options    SubmitOptions `json:"options"`
}

// SubmitOptions mirrors internal/pipeline Options.
type SubmitOptions struct {
	SkipClarification *bool `json:"skip_clarification,omitempty"`
	FailFast          *bool `json:"fail_fast,omitempty"`
}

// RunHandle matches internal/httpapi/runs.go RunHandle.
type RunHandle struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
}

// Question matches internal/question Question.
type Question struct {
	ID     string `json:"id"`
	RunID  string `json:"run_id"`
	ItemID string `json:"item_id,omitempty"`
	Text   string `json:"text"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse.
type HealthResponse struct {
	Status string `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := SubmitRequest{
		ItemIDs:    args,
		WorkingDir: submitWorkdir,
	}
	if submitNoClar {
		req.Options.SkipClarification = &submitNoClar
	}
	if submitFailFast {
		req.Options.FailFast = &submitFailFast
	}

	var handle RunHandle
	if err := postJSON("/v1/runs", req, http.StatusAccepted, &handle); err != nil {
		return err
	}

	fmt.Printf("Run submitted: %s\n", handle.ID)
	fmt.Printf("Follow it with: remedyctl watch %s\n", handle.ID)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var handle RunHandle
		if err := getJSON("/v1/runs/"+args[0], &handle); err != nil {
			return err
		}
		return printJSON(handle)
	}

	var handles []RunHandle
	if err := getJSON("/v1/runs", &handles); err != nil {
		return err
	}
	if len(handles) == 0 {
		fmt.Println("No runs")
		return nil
	}
	for _, h := range handles {
		fmt.Printf("%s  %-10s  started %s\n", h.ID, h.Status, h.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// runWatch follows the SSE stream for one run. The stream closes on
// the terminal run event, so reading until EOF is the whole protocol.
func runWatch(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/runs/%s/events", serverURL, args[0])

	httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open for the life of the run.
	client := &http.Client{}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var eventType string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%-22s %s\n", eventType, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// keepalive, ignore
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

func runQuestions(cmd *cobra.Command, args []string) error {
	var questions []Question
	if err := getJSON("/v1/questions", &questions); err != nil {
		return err
	}
	if len(questions) == 0 {
		fmt.Println("No pending questions")
		return nil
	}
	for _, q := range questions {
		fmt.Printf("%s  [run %s, item %s]\n  %s\n", q.ID, q.RunID, q.ItemID, q.Text)
	}
	return nil
}

func runAnswer(cmd *cobra.Command, args []string) error {
	body := map[string]string{"value": args[1]}
	if err := postJSON("/v1/questions/"+args[0]+"/answer", body, http.StatusOK, nil); err != nil {
		return err
	}
	fmt.Println("Answer accepted")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var healthResp HealthResponse
	if err := getJSON("/health", &healthResp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to reach %s: %v\n", serverURL, err)
		return err
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// postJSON sends a JSON body and decodes the response into out when
// out is non-nil.
func postJSON(path string, body any, wantStatus int, out any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func getJSON(path string, out any) error {
	url := serverURL + path

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
