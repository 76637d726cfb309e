package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("got auth header %q, want bearer token", got)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(mux)
}

func TestInvokeStructuredReply(t *testing.T) {
	srv := chatServer(t, `{"output":"reminded about dentist","actions_taken":["sent notification"]}`)
	defer srv.Close()

	inv := NewOpenAIInvoker(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "test-key"}, zap.NewNop())
	result, err := inv.Invoke(context.Background(), "check reminders")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Output != "reminded about dentist" {
		t.Errorf("got output %q, want %q", result.Output, "reminded about dentist")
	}
	if len(result.ActionsTaken) != 1 || result.ActionsTaken[0] != "sent notification" {
		t.Errorf("got actions %v, want [sent notification]", result.ActionsTaken)
	}
}

func TestInvokeUnstructuredReplyKeptWhole(t *testing.T) {
	srv := chatServer(t, "I checked your reminders, nothing due.")
	defer srv.Close()

	inv := NewOpenAIInvoker(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "test-key"}, zap.NewNop())
	result, err := inv.Invoke(context.Background(), "check reminders")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Output != "I checked your reminders, nothing due." {
		t.Errorf("got output %q, want raw content", result.Output)
	}
	if len(result.ActionsTaken) != 0 {
		t.Errorf("got actions %v, want none", result.ActionsTaken)
	}
}

func TestInvokeAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	inv := NewOpenAIInvoker(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "test-key"}, zap.NewNop())
	if _, err := inv.Invoke(context.Background(), "check reminders"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
