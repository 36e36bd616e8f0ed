package diagram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseGenerated(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		wantCode  string
		wantKind  string
		wantTitle string
		wantErr   bool
	}{
		{
			name:      "plain json",
			content:   `{"title":"Login flow","kind":"sequence","code":"sequenceDiagram\n  A->>B: hi"}`,
			wantCode:  "sequenceDiagram\n  A->>B: hi",
			wantKind:  "sequence",
			wantTitle: "Login flow",
		},
		{
			name:      "json in fence",
			content:   "```json\n{\"title\":\"Flow\",\"kind\":\"flowchart\",\"code\":\"flowchart TD\\n  A-->B\"}\n```",
			wantCode:  "flowchart TD\n  A-->B",
			wantKind:  "flowchart",
			wantTitle: "Flow",
		},
		{
			name:     "mermaid fence",
			content:  "Here you go:\n```mermaid\nflowchart LR\n  A --> B\n```",
			wantCode: "flowchart LR\n  A --> B",
			wantKind: "flowchart",
		},
		{
			name:     "bare mermaid",
			content:  "stateDiagram-v2\n  [*] --> Idle",
			wantCode: "stateDiagram-v2\n  [*] --> Idle",
			wantKind: "state",
		},
		{
			name:    "garbage",
			content: "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "empty",
			content: "   ",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseGenerated(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGenerated: %v", err)
			}
			if got.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tc.wantCode)
			}
			if got.Kind != tc.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tc.wantKind)
			}
			if got.Title != tc.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tc.wantTitle)
			}
		})
	}
}

func TestNormalizeKind(t *testing.T) {
	cases := []struct {
		declared string
		code     string
		want     string
	}{
		{declared: "flowchart", want: "flowchart"},
		{declared: "graph", want: "flowchart"},
		{declared: "sequenceDiagram", want: "sequence"},
		{declared: "", code: "graph TD\n A-->B", want: "flowchart"},
		{declared: "", code: "%%{init: {}}%%\nsequenceDiagram\n A->>B: x", want: "sequence"},
		{declared: "", code: "classDiagram\n class A", want: "class"},
		{declared: "", code: "not a diagram", want: ""},
	}
	for _, tc := range cases {
		if got := normalizeKind(tc.declared, tc.code); got != tc.want {
			t.Errorf("normalizeKind(%q, %q) = %q, want %q", tc.declared, tc.code, got, tc.want)
		}
	}
}

func TestApplyTheme(t *testing.T) {
	code := "flowchart TD\n  A-->B"

	if got := applyTheme(code, "default"); got != code {
		t.Errorf("default theme changed code: %q", got)
	}
	if got := applyTheme(code, ""); got != code {
		t.Errorf("empty theme changed code: %q", got)
	}

	dark := applyTheme(code, "dark")
	if !strings.HasPrefix(dark, "%%{init: {'theme':'dark'}}%%\n") {
		t.Errorf("dark theme output = %q, want init directive prefix", dark)
	}
	if got := applyTheme(dark, "dark"); got != dark {
		t.Errorf("existing init directive was duplicated: %q", got)
	}
}

func TestInputHashStability(t *testing.T) {
	a := InputHash("hello", Options{})
	b := InputHash("hello", Options{Kind: "auto", Direction: "TD", Theme: "default"})
	if a != b {
		t.Error("explicit defaults hash differently from zero options")
	}

	if InputHash("hello", Options{}) != a {
		t.Error("hash is not deterministic")
	}
	if InputHash("hello", Options{Kind: "sequence"}) == a {
		t.Error("different options produced the same hash")
	}
	if InputHash("other", Options{}) == a {
		t.Error("different text produced the same hash")
	}
}

// TestGeneratorRoundTrip serves a canned completion and checks request
// shape and response parsing end to end.
func TestGeneratorRoundTrip(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		content, _ := json.Marshal(map[string]string{
			"title": "Pipeline",
			"kind":  "flowchart",
			"code":  "flowchart TD\n  In --> Out",
		})
		resp := map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": string(content)},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := NewGenerator("test-key", srv.URL, "test-model")
	got, err := g.Generate(context.Background(), "hello\n\nworld", Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got.Code != "flowchart TD\n  In --> Out" {
		t.Errorf("Code = %q", got.Code)
	}
	if got.Title != "Pipeline" {
		t.Errorf("Title = %q, want Pipeline", got.Title)
	}
	if got.Kind != "flowchart" {
		t.Errorf("Kind = %q, want flowchart", got.Kind)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if !strings.HasSuffix(gotPath, "/chat/completions") {
		t.Errorf("request path = %q, want /chat/completions suffix", gotPath)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("request model = %q, want test-model", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[1].Content != "hello\n\nworld" {
		t.Errorf("request messages = %+v, want system + user with aggregated text", gotBody.Messages)
	}
}
