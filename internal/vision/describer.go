package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 300
)

const systemPrompt = "You describe images for an engineering conversation log. " +
	"Summarize what the image shows in two or three sentences, leading with any text, " +
	"diagram structure, or UI elements it contains."

// Describer captions images through an OpenAI-compatible vision model.
type Describer struct {
	client *openai.Client
	model  string
}

// NewDescriber creates a Describer. baseURL overrides the default API host
// (for proxies and compatible backends); an empty model selects the default.
func NewDescriber(apiKey, baseURL, model string) *Describer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Describer{client: openai.NewClientWithConfig(cfg), model: model}
}

// Describe returns a short natural-language description of the image. The
// payload is inlined as a data URL, so no upload round-trip is needed.
func (d *Describer) Describe(ctx context.Context, img []byte, mimeType string) (string, error) {
	if len(img) == 0 {
		return "", errors.New("describing image: empty payload")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(img))
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.model,
		MaxTokens: defaultMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Describe this image."},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("describing image: response has no choices")
	}

	desc := strings.TrimSpace(resp.Choices[0].Message.Content)
	if desc == "" {
		return "", errors.New("describing image: empty description")
	}
	return desc, nil
}
