package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/pipeline"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// MCPDeps carries dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Jobs      *queue.Runner
	Describer Describer // optional; if nil, image messages are stored without a description
}

// NewMCPServer creates an MCP server with all accepticon tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"accepticon",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("accepticon — turn mixed text, audio, and image notes into Mermaid diagrams."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("add_message",
			mcp.WithDescription("Store a conversation message. Audio messages are queued for transcription automatically."),
			mcp.WithString("kind", mcp.Description("Message kind: text, audio, or image (default text)")),
			mcp.WithString("content", mcp.Description("Text content (required for text messages)")),
			mcp.WithString("data", mcp.Description("Base64 payload (required for audio and image messages)")),
			mcp.WithString("mime_type", mcp.Description("MIME type of the base64 payload")),
			mcp.WithString("name", mcp.Description("Original file name for image messages")),
		),
		mcpAddMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("transcribe_message",
			mcp.WithDescription("Queue an existing audio message for (re-)transcription."),
			mcp.WithString("message_id", mcp.Description("ID of the audio message"), mcp.Required()),
		),
		mcpTranscribeMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_diagram",
			mcp.WithDescription("Queue Mermaid diagram generation over a set of stored messages."),
			mcp.WithArray("message_ids", mcp.Description("Message IDs to aggregate"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Diagram kind: flowchart, sequence, class, state, or auto")),
			mcp.WithString("direction", mcp.Description("Flow direction: TD, LR, BT, or RL")),
			mcp.WithString("theme", mcp.Description("Mermaid theme name")),
		),
		mcpGenerateDiagram(deps),
	)

	s.AddTool(
		mcp.NewTool("get_diagram",
			mcp.WithDescription("Fetch a generated diagram by ID, or the latest one for a message set."),
			mcp.WithString("diagram_id", mcp.Description("Diagram ID")),
			mcp.WithArray("message_ids", mcp.Description("Message set to look up the latest diagram for")),
		),
		mcpGetDiagram(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the status of a queued job."),
			mcp.WithString("job_id", mcp.Description("Job ID"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"diagram://latest",
			"Latest Diagram",
			mcp.WithResourceDescription("Most recently generated diagram as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLatestDiagram(deps),
	)

	return s
}

func mcpAddMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind := req.GetString("kind", string(storage.KindText))

		msg := storage.Message{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UTC(),
		}

		switch storage.MessageKind(kind) {
		case storage.KindText:
			content, err := req.RequireString("content")
			if err != nil {
				return mcpError("content is required for text messages"), nil
			}
			msg.Kind = storage.KindText
			msg.Content = content

		case storage.KindAudio:
			data, err := decodeDataArg(req)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			msg.Kind = storage.KindAudio
			msg.Audio = data
			msg.AudioMime = req.GetString("mime_type", "")
			if msg.AudioMime == "" {
				msg.AudioMime = http.DetectContentType(data)
			}
			if hdr, err := audio.ParseHeader(data); err == nil {
				msg.Duration = hdr.Duration()
			}

		case storage.KindImage:
			data, err := decodeDataArg(req)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			msg.Kind = storage.KindImage
			msg.Image = data
			msg.ImageName = req.GetString("name", "")
			msg.ImageSize = int64(len(data))
			msg.ImageMime = req.GetString("mime_type", "")
			if msg.ImageMime == "" {
				msg.ImageMime = http.DetectContentType(data)
			}
			if deps.Describer != nil {
				if desc, err := deps.Describer.Describe(ctx, data, msg.ImageMime); err == nil {
					msg.Description = desc
				}
			}

		default:
			return mcpError(fmt.Sprintf("unknown message kind %q", kind)), nil
		}

		if err := deps.Store.SaveMessage(msg); err != nil {
			return mcpError(fmt.Sprintf("failed to save message: %v", err)), nil
		}

		if msg.Kind == storage.KindAudio {
			jobID, err := deps.Jobs.Enqueue(storage.JobAudioTranscription, msg.ID, pipeline.TranscribePayload{MessageID: msg.ID})
			if err != nil {
				return mcpError(fmt.Sprintf("saved message but failed to queue transcription: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Stored audio message %s, transcription job %s queued", msg.ID, jobID)), nil
		}
		return mcpText(fmt.Sprintf("Stored %s message %s", msg.Kind, msg.ID)), nil
	}
}

// decodeDataArg pulls the base64 "data" argument shared by the audio and
// image branches of add_message.
func decodeDataArg(req mcp.CallToolRequest) ([]byte, error) {
	raw, err := req.RequireString("data")
	if err != nil {
		return nil, errors.New("data is required for audio and image messages")
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %v", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("data must not be empty")
	}
	return decoded, nil
}

func mcpTranscribeMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		msg, err := deps.Store.GetMessage(messageID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("message %s not found", messageID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get message: %v", err)), nil
		}
		if msg.Kind != storage.KindAudio {
			return mcpError(fmt.Sprintf("message %s is not an audio message", messageID)), nil
		}

		jobID, err := deps.Jobs.Enqueue(storage.JobAudioTranscription, msg.ID, pipeline.TranscribePayload{MessageID: msg.ID})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue transcription: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued transcription job %s for message %s", jobID, messageID)), nil
	}
}

func mcpGenerateDiagram(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("message_ids", nil)
		if len(ids) == 0 {
			return mcpError("message_ids is required and must not be empty"), nil
		}

		msgs, err := deps.Store.GetMessagesByIDs(ids)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load messages: %v", err)), nil
		}
		found := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			found[m.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return mcpError(fmt.Sprintf("message %s not found", id)), nil
			}
		}

		opts := diagram.Options{
			Kind:      req.GetString("kind", ""),
			Direction: req.GetString("direction", ""),
			Theme:     req.GetString("theme", ""),
		}

		jobID, err := deps.Jobs.Enqueue(storage.JobDiagramGeneration, pipeline.DiagramSubject(ids),
			pipeline.DiagramPayload{MessageIDs: ids, Options: opts})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue diagram generation: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued diagram job %s over %d messages", jobID, len(ids))), nil
	}
}

func mcpGetDiagram(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var entry storage.DiagramEntry
		var err error

		if id := req.GetString("diagram_id", ""); id != "" {
			entry, err = deps.Store.GetDiagram(id)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("diagram %s not found", id)), nil
			}
		} else {
			ids := req.GetStringSlice("message_ids", nil)
			if len(ids) == 0 {
				return mcpError("either diagram_id or message_ids is required"), nil
			}
			entry, err = deps.Store.LatestDiagramForSet(ids)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("no diagram for this message set yet"), nil
			}
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get diagram: %v", err)), nil
		}

		b, err := json.Marshal(diagramViewOf(entry))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal diagram: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Store.GetJob(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", jobID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(jobViewOf(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceLatestDiagram(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.ListDiagrams(1, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list diagrams: %w", err)
		}
		if len(entries) == 0 {
			return nil, errors.New("no diagrams generated yet")
		}

		b, err := json.Marshal(diagramViewOf(entries[0]))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal diagram: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
