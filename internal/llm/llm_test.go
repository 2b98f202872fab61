package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/memvault/internal/memerr"
)

func TestParseSelections(t *testing.T) {
	candidates := []Candidate{{ID: "doc-1"}, {ID: "doc-2"}, {ID: "doc-3"}}

	tests := []struct {
		name    string
		reply   string
		wantIDs []string
		wantErr bool
	}{
		{
			name:    "plain array",
			reply:   `[{"id":"doc-1","score":0.9},{"id":"doc-2","score":0.4}]`,
			wantIDs: []string{"doc-1", "doc-2"},
		},
		{
			name:    "fenced with prose",
			reply:   "Here you go:\n```json\n[{\"id\":\"doc-2\",\"score\":0.8}]\n```",
			wantIDs: []string{"doc-2"},
		},
		{
			name:    "unknown ids dropped",
			reply:   `[{"id":"doc-9","score":0.9},{"id":"doc-3","score":0.5}]`,
			wantIDs: []string{"doc-3"},
		},
		{
			name:    "reordered by score",
			reply:   `[{"id":"doc-1","score":0.2},{"id":"doc-2","score":0.7}]`,
			wantIDs: []string{"doc-2", "doc-1"},
		},
		{
			name:    "empty array",
			reply:   `[]`,
			wantIDs: []string{},
		},
		{
			name:    "no array at all",
			reply:   "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			reply:   `[{"id": doc-1}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSelections(tt.reply, candidates)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if memerr.KindOf(err) != memerr.KindUpstream {
					t.Errorf("error kind = %v, want upstream", memerr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSelections() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d selections, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("selections[%d].ID = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestParseSelectionsClampsScores(t *testing.T) {
	got, err := parseSelections(`[{"id":"a","score":1.7},{"id":"b","score":-0.3}]`,
		[]Candidate{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, sel := range got {
		if sel.Score < 0 || sel.Score > 1 {
			t.Errorf("score %v outside [0, 1]", sel.Score)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("New() error = %v, want validation", err)
	}
}

func TestSelectEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", req.Temperature)
		}

		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": `[{"id":"doc-a","score":0.95}]`,
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     42,
				"completion_tokens": 12,
				"total_tokens":      54,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}

	selections, usage, err := c.Select(context.Background(), "how does billing work",
		[]Candidate{{ID: "doc-a", Content: "billing overview"}, {ID: "doc-b", Content: "unrelated"}})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(selections) != 1 || selections[0].ID != "doc-a" {
		t.Errorf("selections = %+v, want doc-a only", selections)
	}
	if usage.TotalTokens != 54 {
		t.Errorf("usage.TotalTokens = %d, want 54", usage.TotalTokens)
	}
}

func TestReasonEndToEnd(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", req.Temperature)
		}
		if req.MaxTokens != reasonMaxTokens {
			t.Errorf("max_tokens = %d, want %d", req.MaxTokens, reasonMaxTokens)
		}
		if len(req.Messages) > 0 {
			gotPrompt = req.Messages[0].Content
		}

		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Document 1 explains the billing cycle in detail.",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     30,
				"completion_tokens": 15,
				"total_tokens":      45,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}

	reasoning, usage, err := c.Reason(context.Background(), "how does billing work",
		[]string{"billing overview", "unrelated notes"})
	if err != nil {
		t.Fatalf("Reason() error = %v", err)
	}
	if reasoning.Text != "Document 1 explains the billing cycle in detail." {
		t.Errorf("reasoning = %q", reasoning.Text)
	}
	if reasoning.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 for a clean finish", reasoning.Confidence)
	}
	if usage.CompletionTokens != 15 {
		t.Errorf("usage.CompletionTokens = %d, want 15", usage.CompletionTokens)
	}
	for _, want := range []string{"[1] billing overview", "[2] unrelated notes", "Query: how does billing work"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestReasonNoDocuments(t *testing.T) {
	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	reasoning, usage, err := c.Reason(context.Background(), "query", nil)
	if err != nil || reasoning.Text != "" || usage.TotalTokens != 0 {
		t.Errorf("Reason(no documents) = (%+v, %+v, %v), want empty", reasoning, usage, err)
	}
}

func TestSelectNoCandidates(t *testing.T) {
	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	selections, usage, err := c.Select(context.Background(), "query", nil)
	if err != nil || selections != nil || usage.TotalTokens != 0 {
		t.Errorf("Select(no candidates) = (%v, %+v, %v), want empty", selections, usage, err)
	}
}
