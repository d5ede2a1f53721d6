package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ircad-africa/sofia-web/internal/models"
	"github.com/ircad-africa/sofia-web/internal/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGeminiGenerate(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Check the "},{"text":"power cable."}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	g := services.NewGemini("test-key", "gemini-1.5-flash", srv.URL, services.LLMParameters{}, discardLogger())
	if !g.Configured() {
		t.Fatal("Configured() = false, want true")
	}

	got, err := g.Generate(context.Background(), models.Prompt{
		Text:  "My camera is black",
		Image: &models.Image{MediaType: "image/png", Data: []byte{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "Check the power cable." {
		t.Errorf("Generate() = %q, want %q", got, "Check the power cable.")
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotPath != "/models/gemini-1.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if _, ok := gotBody["generationConfig"]; ok {
		t.Error("generationConfig should be omitted when no parameters are set")
	}

	contents := gotBody["contents"].([]any)
	parts := contents[0].(map[string]any)["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
	if inline["mimeType"] != "image/png" || inline["data"] != "AQID" {
		t.Errorf("inlineData = %v", inline)
	}
}

func TestGeminiErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantStatus  int
		wantBlocked bool
		wantMessage string
	}{
		{
			name:        "Quota",
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
			wantStatus:  http.StatusTooManyRequests,
			wantMessage: "Resource has been exhausted (e.g. check quota).",
		},
		{
			name:        "Bad key",
			status:      http.StatusBadRequest,
			body:        `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "API key not valid. Please pass a valid API key.",
		},
		{
			name:        "Prompt blocked",
			status:      http.StatusOK,
			body:        `{"promptFeedback":{"blockReason":"SAFETY"}}`,
			wantBlocked: true,
			wantMessage: "SAFETY",
		},
		{
			name:        "Candidate blocked",
			status:      http.StatusOK,
			body:        `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
			wantBlocked: true,
			wantMessage: "SAFETY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			g := services.NewGemini("k", "m", srv.URL, services.LLMParameters{}, discardLogger())
			_, err := g.Generate(context.Background(), models.Prompt{Text: "hi"})

			var pe *models.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("Generate() error = %v, want *models.ProviderError", err)
			}
			if pe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.wantStatus)
			}
			if pe.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v", pe.Blocked, tt.wantBlocked)
			}
			if pe.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", pe.Message, tt.wantMessage)
			}
		})
	}
}

func TestGeminiNotConfigured(t *testing.T) {
	g := services.NewGemini("", "m", "", services.LLMParameters{}, discardLogger())
	if g.Configured() {
		t.Error("Configured() = true without an API key")
	}
}
