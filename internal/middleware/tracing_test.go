package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// lastLogLine decodes the final JSON log line written to buf.
func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]interface{}
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	return entry
}

func TestTracingRecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	m := NewTracingMiddleware(logging.NewWithOutput("test", "info", "json", &buf))
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Success || env.Error == nil || env.Error.Code != string(errors.ErrCodeInternal) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	entry := lastLogLine(t, &buf)
	if entry["status"] != float64(500) || entry["panic"] != true {
		t.Errorf("request log = %v", entry)
	}
}

func TestTracingLogsCallerAndReplay(t *testing.T) {
	var buf bytes.Buffer
	authMW, _ := newTestAuth()
	m := NewTracingMiddleware(logging.NewWithOutput("test", "info", "json", &buf))
	handler := m.Handler(authMW.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Idempotent-Replayed", "true")
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", nil)
	req.Header.Set("Authorization", "Bearer good")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	entry := lastLogLine(t, &buf)
	if entry["user_id"] != "user-123" || entry["session_id"] != "sess-1" {
		t.Errorf("caller missing from request log: %v", entry)
	}
	if entry["idempotent_replay"] != true {
		t.Errorf("replay flag missing from request log: %v", entry)
	}
	if entry["bytes"] != float64(2) {
		t.Errorf("bytes = %v, want 2", entry["bytes"])
	}
}
