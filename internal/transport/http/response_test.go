package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriteJSON_EncodeFailureIsLoggedAnd500(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewHandler(nil, nil, zap.New(core))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	h.writeJSON(rr, req, http.StatusOK, map[string]any{"ch": make(chan int)})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Message != "internal error" {
		t.Fatalf("unexpected body %q (err=%v)", rr.Body.String(), err)
	}
	entries := logs.FilterMessage("encode response").All()
	if len(entries) != 1 {
		t.Fatalf("expected one encode error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["path"] != "/jobs/x" {
		t.Fatalf("unexpected fields: %v", entries[0].ContextMap())
	}
}

func TestWriteJSON_WritesBody(t *testing.T) {
	h := NewHandler(nil, nil, zap.NewNop())

	rr := httptest.NewRecorder()
	h.writeJSON(rr, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusCreated, apiError{Message: "ok"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
	if rr.Body.String() != "{\"message\":\"ok\"}\n" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}
