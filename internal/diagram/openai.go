package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
)

// Generator produces Mermaid diagrams from conversation text through an
// OpenAI-compatible chat completion API.
type Generator struct {
	client *openai.Client
	model  string
}

// NewGenerator creates a generator for the given API key. baseURL points at
// an alternative OpenAI-compatible endpoint (empty means api.openai.com).
func NewGenerator(apiKey, baseURL, model string) *Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = defaultModel
	}
	return &Generator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Generate asks the model for a diagram of the given conversation text.
func (g *Generator) Generate(ctx context.Context, text string, opts Options) (Generated, error) {
	opts = opts.withDefaults()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(opts)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return Generated{}, fmt.Errorf("diagram completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Generated{}, errors.New("diagram completion returned no choices")
	}

	gen, err := parseGenerated(resp.Choices[0].Message.Content)
	if err != nil {
		return Generated{}, err
	}
	gen.Code = applyTheme(gen.Code, opts.Theme)
	return gen, nil
}

func systemPrompt(opts Options) string {
	var b strings.Builder
	b.WriteString("You turn meeting notes into Mermaid diagrams. ")
	if opts.Kind == "auto" {
		b.WriteString("Pick the diagram kind (flowchart, sequence, class, or state) that fits the content best. ")
	} else {
		fmt.Fprintf(&b, "Produce a %s diagram. ", opts.Kind)
	}
	fmt.Fprintf(&b, "Orient flowcharts %s. ", opts.Direction)
	b.WriteString(`Respond with a single JSON object and nothing else: {"title": "short title", "kind": "flowchart|sequence|class|state", "code": "the mermaid source"}.`)
	return b.String()
}

// parseGenerated extracts title, kind, and Mermaid source from a model
// answer. Models mostly return the requested JSON, sometimes inside a code
// fence, and occasionally bare Mermaid; all three are accepted.
func parseGenerated(content string) (Generated, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Generated{}, errors.New("diagram completion was empty")
	}

	var payload struct {
		Title string `json:"title"`
		Kind  string `json:"kind"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &payload); err == nil && strings.TrimSpace(payload.Code) != "" {
		return Generated{
			Code:  strings.TrimSpace(payload.Code),
			Title: strings.TrimSpace(payload.Title),
			Kind:  normalizeKind(payload.Kind, payload.Code),
		}, nil
	}

	if code := mermaidFence(content); code != "" {
		return Generated{Code: code, Kind: normalizeKind("", code)}, nil
	}

	// Bare Mermaid source is a valid answer too.
	if kind := normalizeKind("", content); kind != "" {
		return Generated{Code: stripFence(content), Kind: kind}, nil
	}

	return Generated{}, fmt.Errorf("could not parse diagram from completion: %.80q", content)
}

// stripFence removes a surrounding markdown code fence if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// mermaidFence extracts the body of a ```mermaid fence, or "".
func mermaidFence(s string) string {
	_, rest, ok := strings.Cut(s, "```mermaid")
	if !ok {
		return ""
	}
	body, _, ok := strings.Cut(rest, "```")
	if !ok {
		return ""
	}
	return strings.TrimSpace(body)
}

// normalizeKind maps a declared kind or the first keyword of the source to
// the closed kind set. Returns "" when the source does not look like
// Mermaid at all.
func normalizeKind(declared, code string) string {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "flowchart", "graph":
		return "flowchart"
	case "sequence", "sequencediagram":
		return "sequence"
	case "class", "classdiagram":
		return "class"
	case "state", "statediagram":
		return "state"
	}

	first := ""
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		first = strings.ToLower(strings.Fields(line)[0])
		break
	}
	switch {
	case first == "flowchart" || first == "graph":
		return "flowchart"
	case strings.HasPrefix(first, "sequencediagram"):
		return "sequence"
	case strings.HasPrefix(first, "classdiagram"):
		return "class"
	case strings.HasPrefix(first, "statediagram"):
		return "state"
	case first == "erdiagram" || first == "mindmap" || first == "journey" || first == "gantt":
		return first
	}
	return ""
}

// applyTheme prepends a Mermaid init directive for non-default themes.
func applyTheme(code, theme string) string {
	if theme == "" || theme == "default" || strings.Contains(code, "%%{init") {
		return code
	}
	return fmt.Sprintf("%%%%{init: {'theme':'%s'}}%%%%\n%s", theme, code)
}

// IsPermanent reports whether a generation error cannot be fixed by
// retrying: the request itself was rejected.
func IsPermanent(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429
	}
	return false
}
