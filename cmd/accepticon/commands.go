package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/insaiyann/Accepticon-sub000/internal/config"
)

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Add and inspect messages",
}

var messageAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a text, audio, or image message",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		audioPath, _ := cmd.Flags().GetString("audio")
		imagePath, _ := cmd.Flags().GetString("image")
		mimeType, _ := cmd.Flags().GetString("mime-type")
		tsFlag, _ := cmd.Flags().GetString("timestamp")

		set := 0
		for _, v := range []string{text, audioPath, imagePath} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("exactly one of --text, --audio, or --image is required")
		}

		var ts *time.Time
		if tsFlag != "" {
			if audioPath != "" {
				return fmt.Errorf("--timestamp applies to --text and --image; audio uploads are stamped at ingest")
			}
			parsed, err := time.Parse(time.RFC3339, tsFlag)
			if err != nil {
				return fmt.Errorf("parsing --timestamp: %w", err)
			}
			ts = &parsed
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		switch {
		case text != "":
			return addTextMessage(cmd.Context(), client, text, ts)
		case audioPath != "":
			return addAudioMessage(cmd.Context(), client, audioPath, mimeType)
		default:
			return addImageMessage(cmd.Context(), client, imagePath, mimeType, ts)
		}
	},
}

var messageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/messages?limit=%d", limit))
		if err != nil {
			return err
		}
		var messages []messageRow
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}
		if len(messages) == 0 {
			fmt.Println(`No messages yet. Add one with "accepticon message add".`)
			return nil
		}
		for _, m := range messages {
			fmt.Printf("%s  %-5s  %s  %s\n",
				m.ID, m.Kind, m.Timestamp.Local().Format("2006-01-02 15:04"), messageSummary(m))
		}
		return nil
	},
}

var messageShowCmd = &cobra.Command{
	Use:   "show <message-id>",
	Short: "Show one message as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/messages/"+args[0])
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a text, Markdown, PDF, or DOCX document as a text message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := importDocument(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Imported %s as message %s", filepath.Base(args[0]), id)
		return nil
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <message-id>",
	Short: "Queue transcription for an audio message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/messages/"+args[0]+"/transcribe", nil)
		if err != nil {
			return err
		}
		var result struct {
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued transcription job %s", result.JobID)
		return nil
	},
}

var diagramCmd = &cobra.Command{
	Use:   "diagram",
	Short: "Generate and fetch Mermaid diagrams",
}

var diagramGenerateCmd = &cobra.Command{
	Use:   "generate <message-id>...",
	Short: "Queue diagram generation over a set of messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		direction, _ := cmd.Flags().GetString("direction")
		theme, _ := cmd.Flags().GetString("theme")
		wait, _ := cmd.Flags().GetBool("wait")
		waitTimeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		opts := map[string]string{}
		if kind != "" {
			opts["kind"] = kind
		}
		if direction != "" {
			opts["direction"] = direction
		}
		if theme != "" {
			opts["theme"] = theme
		}
		jobID, err := generateDiagram(cmd.Context(), client, args, opts)
		if err != nil {
			return err
		}
		printSuccess("Queued diagram job %s over %d messages", jobID, len(args))
		if !wait {
			printStatus("Check progress", "accepticon jobs show %s", jobID)
			return nil
		}

		printStep("Waiting for job %s", jobID)
		ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
		defer cancel()
		if err := waitForJob(ctx, client, jobID); err != nil {
			return err
		}
		resp, err := client.get(ctx, "/api/diagrams/latest?ids="+strings.Join(args, ","))
		if err != nil {
			return err
		}
		var d struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		fmt.Println(d.Code)
		return nil
	},
}

var diagramShowCmd = &cobra.Command{
	Use:   "show [diagram-id]",
	Short: "Print a diagram's Mermaid code",
	Long: `Print a diagram's Mermaid code to stdout. Pass a diagram id, or use
--ids with a comma-separated set of message ids to fetch the latest
diagram generated over exactly that set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringSlice("ids")
		if len(args) == 0 && len(ids) == 0 {
			return fmt.Errorf("pass a diagram id or --ids with message ids")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/api/diagrams/latest?ids=" + strings.Join(ids, ",")
		if len(args) == 1 {
			path = "/api/diagrams/" + args[0]
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var d struct {
			ID          string    `json:"id"`
			Code        string    `json:"code"`
			Kind        string    `json:"kind"`
			GeneratedAt time.Time `json:"generated_at"`
		}
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		printStatus("Diagram", "%s (%s)", d.ID, d.Kind)
		printStatus("Generated", "%s", d.GeneratedAt.Local().Format(time.RFC3339))
		fmt.Println(d.Code)
		return nil
	},
}

var diagramListCmd = &cobra.Command{
	Use:   "list",
	Short: "List generated diagrams, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/diagrams?limit=%d", limit))
		if err != nil {
			return err
		}
		var diagrams []struct {
			ID          string    `json:"id"`
			Kind        string    `json:"kind"`
			Title       string    `json:"title"`
			MessageIDs  []string  `json:"message_ids"`
			GeneratedAt time.Time `json:"generated_at"`
		}
		if err := decodeJSON(resp, &diagrams); err != nil {
			return err
		}
		if len(diagrams) == 0 {
			fmt.Println(`No diagrams yet. Queue one with "accepticon diagram generate".`)
			return nil
		}
		for _, d := range diagrams {
			title := d.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-10s  %-40s  %d messages\n", d.ID, d.Kind, truncate(title, 40), len(d.MessageIDs))
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/jobs?limit=%d", limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var jobs []struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Status     string `json:"status"`
			RetryCount int    `json:"retry_count"`
			MaxRetries int    `json:"max_retries"`
			LastError  string `json:"last_error"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-22s  %-10s  attempt %d/%d  %s\n",
				j.ID, j.Type, j.Status, j.RetryCount, j.MaxRetries, truncate(j.LastError, 48))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/jobs/"+args[0])
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change stored configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("%-22s %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a configuration value",
	Long:  "Store a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

func init() {
	messageCmd.AddCommand(messageAddCmd, messageListCmd, messageShowCmd)
	messageAddCmd.Flags().String("text", "", "text content to store")
	messageAddCmd.Flags().String("audio", "", "path to an audio file to store and transcribe")
	messageAddCmd.Flags().String("image", "", "path to an image file to store")
	messageAddCmd.Flags().String("mime-type", "", "MIME type override for --audio or --image")
	messageAddCmd.Flags().String("timestamp", "", "RFC 3339 timestamp to record instead of now")
	messageListCmd.Flags().Int("limit", 50, "maximum messages to list")

	diagramCmd.AddCommand(diagramGenerateCmd, diagramShowCmd, diagramListCmd)
	diagramGenerateCmd.Flags().String("kind", "", "diagram kind (flowchart, sequence, class, state, auto)")
	diagramGenerateCmd.Flags().String("direction", "", "flowchart direction (TD, LR, BT, RL)")
	diagramGenerateCmd.Flags().String("theme", "", "Mermaid theme hint")
	diagramGenerateCmd.Flags().Bool("wait", false, "wait for the job and print the diagram code")
	diagramGenerateCmd.Flags().Duration("timeout", 2*time.Minute, "how long --wait polls before giving up")
	diagramShowCmd.Flags().StringSlice("ids", nil, "message ids; fetches the latest diagram for that set")
	diagramListCmd.Flags().Int("limit", 20, "maximum diagrams to list")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum jobs to list")

	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// createMessageBody mirrors the POST /api/messages request.
type createMessageBody struct {
	Kind      string     `json:"kind"`
	Content   string     `json:"content,omitempty"`
	Image     string     `json:"image,omitempty"`
	ImageName string     `json:"image_name,omitempty"`
	MimeType  string     `json:"mime_type,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// messageRow is the slice of the message view the list output needs.
type messageRow struct {
	ID                  string    `json:"id"`
	Kind                string    `json:"kind"`
	Timestamp           time.Time `json:"timestamp"`
	Content             string    `json:"content"`
	DurationMs          int64     `json:"duration_ms"`
	Transcription       string    `json:"transcription"`
	TranscriptionStatus string    `json:"transcription_status"`
	ImageName           string    `json:"image_name"`
	Description         string    `json:"description"`
}

func addTextMessage(ctx context.Context, client *apiClient, text string, ts *time.Time) error {
	resp, err := client.post(ctx, "/api/messages", createMessageBody{
		Kind:      "text",
		Content:   text,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Stored text message %s", result.ID)
	return nil
}

func addAudioMessage(ctx context.Context, client *apiClient, path, mimeType string) error {
	fields := map[string]string{}
	if mimeType != "" {
		fields["mime_type"] = mimeType
	}
	resp, err := client.postFile(ctx, "/api/messages/audio", path, fields)
	if err != nil {
		return err
	}
	var result struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Stored audio message %s", result.ID)
	printStatus("Transcription job", "%s", result.JobID)
	return nil
}

func addImageMessage(ctx context.Context, client *apiClient, path, mimeType string, ts *time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	resp, err := client.post(ctx, "/api/messages", createMessageBody{
		Kind:      "image",
		Image:     base64.StdEncoding.EncodeToString(data),
		ImageName: filepath.Base(path),
		MimeType:  mimeType,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Stored image message %s", result.ID)
	return nil
}

func importDocument(ctx context.Context, client *apiClient, path string) (string, error) {
	resp, err := client.postFile(ctx, "/api/import", path, nil)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func generateDiagram(ctx context.Context, client *apiClient, ids []string, opts map[string]string) (string, error) {
	body := map[string]any{"message_ids": ids}
	if len(opts) > 0 {
		body["options"] = opts
	}
	resp, err := client.post(ctx, "/api/diagrams", body)
	if err != nil {
		return "", err
	}
	var result struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.JobID, nil
}

// waitForJob polls the job until it completes, fails, or ctx expires.
func waitForJob(ctx context.Context, client *apiClient, jobID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.get(ctx, "/api/jobs/"+jobID)
		if err != nil {
			return err
		}
		var job struct {
			Status    string `json:"status"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		switch job.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("job %s failed: %s", jobID, job.LastError)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for job %s", jobID)
		case <-ticker.C:
		}
	}
}

func messageSummary(m messageRow) string {
	switch m.Kind {
	case "audio":
		if m.Transcription != "" {
			return truncate(m.Transcription, 60)
		}
		dur := time.Duration(m.DurationMs) * time.Millisecond
		return fmt.Sprintf("[audio %s, transcription %s]", dur, m.TranscriptionStatus)
	case "image":
		if m.Description != "" {
			return truncate(m.Description, 60)
		}
		return fmt.Sprintf("[image %s]", m.ImageName)
	default:
		return truncate(m.Content, 60)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
