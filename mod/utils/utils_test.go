package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendResponses(t *testing.T) {
	rec := httptest.NewRecorder()
	SendErrorResponse(rec, "bad key")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"bad key"}` {
		t.Errorf("Unexpected error body %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Unexpected content type %s", ct)
	}

	rec = httptest.NewRecorder()
	SendOK(rec)
	if got := strings.TrimSpace(rec.Body.String()); got != `"OK"` {
		t.Errorf("Unexpected OK body %s", got)
	}
}
