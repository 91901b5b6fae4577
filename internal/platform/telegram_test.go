package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendDraftSendsThenEdits(t *testing.T) {
	t.Parallel()

	var sendCalls, editCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			sendCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":     true,
				"result": map[string]interface{}{"message_id": 42},
			})
		case strings.HasSuffix(r.URL.Path, "/editMessageText"):
			editCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTelegramClient("test-token", nil)
	c.http = srv.Client()
	apiOverride(t, c, srv.URL)

	ctx := context.Background()
	if err := c.SendDraft(ctx, "1", "2", 99, "hello", ""); err != nil {
		t.Fatalf("first SendDraft: %v", err)
	}
	if err := c.SendDraft(ctx, "1", "2", 99, "hello world", ""); err != nil {
		t.Fatalf("second SendDraft: %v", err)
	}
	if sendCalls.Load() != 1 {
		t.Fatalf("expected exactly one sendMessage call, got %d", sendCalls.Load())
	}
	if editCalls.Load() != 1 {
		t.Fatalf("expected exactly one editMessageText call, got %d", editCalls.Load())
	}
}

func TestSendMessageClearsTrackedDraft(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": map[string]interface{}{"message_id": 7},
		})
	}))
	defer srv.Close()

	c := NewTelegramClient("test-token", nil)
	c.http = srv.Client()
	apiOverride(t, c, srv.URL)

	ctx := context.Background()
	if err := c.SendDraft(ctx, "1", "2", 5, "draft", ""); err != nil {
		t.Fatalf("SendDraft: %v", err)
	}
	if len(c.drafts) != 1 {
		t.Fatalf("expected one tracked draft, got %d", len(c.drafts))
	}
	if err := c.SendMessage(ctx, "1", "2", "final", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(c.drafts) != 0 {
		t.Fatalf("expected draft tracking cleared after final send, got %d entries", len(c.drafts))
	}
}

func TestRateLimitedErrorExposesRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"error_code":  http.StatusTooManyRequests,
			"description": "too many requests",
			"parameters":  map[string]interface{}{"retry_after": 3},
		})
	}))
	defer srv.Close()

	c := NewTelegramClient("test-token", nil)
	c.http = srv.Client()
	apiOverride(t, c, srv.URL)

	_, err := c.sendMessage(context.Background(), "1", "", "hi", "")
	if err == nil {
		t.Fatal("expected rate-limited error")
	}
	rl, ok := err.(*rateLimitedError)
	if !ok {
		t.Fatalf("expected *rateLimitedError, got %T", err)
	}
	if rl.RetryAfter() != 3*time.Second {
		t.Fatalf("expected 3s retry-after, got %v", rl.RetryAfter())
	}
}

// apiOverride points a TelegramClient's outbound calls at a test server
// instead of the real Telegram API host.
func apiOverride(t *testing.T, c *TelegramClient, serverURL string) {
	t.Helper()
	c.baseOverride = serverURL
	c.fileBaseOverride = serverURL
}
