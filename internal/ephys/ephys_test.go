package ephys

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dmd-presenter/internal/platform/logger"
)

type rig struct {
	mu       sync.Mutex
	messages []string
	fail     int
	status   int
}

func (r *rig) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut || req.URL.Path != "/api/message" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		w.WriteHeader(r.status)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.messages = append(r.messages, body.Text)
	w.WriteHeader(http.StatusOK)
}

func newTestClient(t *testing.T, r *rig) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", time.Second, logger.Discard())
	c.backoff = time.Millisecond
	return c
}

func TestClient_messages(t *testing.T) {
	r := &rig{}
	c := newTestClient(t, r)
	ctx := context.Background()

	if err := c.RecordStart(ctx, "1234", "/data/run.db"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := c.RecordPresentation(ctx, "aab"); err != nil {
		t.Fatalf("RecordPresentation: %v", err)
	}

	want := []string{
		"Pattern file saved at: /data/run.db.",
		"Pattern file uuid: 1234.",
		"Starting presentation aab",
	}
	if len(r.messages) != len(want) {
		t.Fatalf("got %q", r.messages)
	}
	for i := range want {
		if r.messages[i] != want[i] {
			t.Errorf("message %d: got %q, want %q", i, r.messages[i], want[i])
		}
	}
}

func TestClient_retries_server_errors(t *testing.T) {
	r := &rig{fail: 2, status: http.StatusServiceUnavailable}
	c := newTestClient(t, r)
	if err := c.RecordPresentation(context.Background(), "aaa"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(r.messages) != 1 {
		t.Errorf("got %q", r.messages)
	}
}

func TestClient_gives_up(t *testing.T) {
	t.Run("client_error_not_retried", func(t *testing.T) {
		r := &rig{fail: 1, status: http.StatusBadRequest}
		c := newTestClient(t, r)
		err := c.RecordPresentation(context.Background(), "aaa")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if r.fail != 0 || len(r.messages) != 0 {
			t.Errorf("fail=%d messages=%q", r.fail, r.messages)
		}
	})

	t.Run("persistent_server_error", func(t *testing.T) {
		r := &rig{fail: 10, status: http.StatusInternalServerError}
		c := newTestClient(t, r)
		if err := c.RecordPresentation(context.Background(), "aaa"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if r.fail != 7 {
			t.Errorf("expected 3 attempts, server saw %d", 10-r.fail)
		}
	})
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.RecordStart(context.Background(), "x", "y"); err != nil {
		t.Error(err)
	}
}
