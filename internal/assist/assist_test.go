package assist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"
)

// fakeMessages serves the Messages endpoint and records the last request.
func fakeMessages(t *testing.T, status int, reply string) (*httptest.Server, *gjson.Result) {
	t.Helper()
	var last gjson.Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		last = gjson.ParseBytes(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestNewClaude_RequiresKey(t *testing.T) {
	if _, err := NewClaude("", "", 0); err == nil {
		t.Error("NewClaude() without a key succeeded")
	}
}

func TestClaude_Complete(t *testing.T) {
	srv, last := fakeMessages(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
		"content": [{"type": "text", "text": "Keep the "}, {"type": "text", "text": "local seed."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 4}
	}`)

	c, err := NewClaude("test-key", "", 256, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewClaude() error = %v", err)
	}
	got, err := c.Complete(context.Background(), "be brief", "which seed?")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "Keep the local seed." {
		t.Errorf("Complete() = %q", got)
	}

	if m := last.Get("model").String(); m != DefaultModel {
		t.Errorf("model = %q, want %q", m, DefaultModel)
	}
	if n := last.Get("max_tokens").Int(); n != 256 {
		t.Errorf("max_tokens = %d, want 256", n)
	}
	if s := last.Get("system.0.text").String(); s != "be brief" {
		t.Errorf("system = %q", s)
	}
	if p := last.Get("messages.0.content.0.text").String(); p != "which seed?" {
		t.Errorf("prompt = %q", p)
	}
}

func TestClaude_CompleteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"api error", http.StatusBadRequest, `{"type": "error", "error": {"type": "invalid_request_error", "message": "bad"}}`},
		{"no text", http.StatusOK, `{"id": "msg_2", "type": "message", "role": "assistant", "model": "m",
			"content": [], "stop_reason": "max_tokens", "usage": {"input_tokens": 1, "output_tokens": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeMessages(t, tt.status, tt.reply)
			c, err := NewClaude("test-key", "m", 0, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
			if err != nil {
				t.Fatalf("NewClaude() error = %v", err)
			}
			if _, err := c.Complete(context.Background(), "s", "p"); err == nil {
				t.Error("Complete() succeeded, want error")
			}
		})
	}
}
