package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if a == "" || a == b {
		t.Errorf("expected unique non-empty IDs, got %q and %q", a, b)
	}
	// 16 bytes base64url without padding
	if len(a) != 22 {
		t.Errorf("len(id) = %d, want 22", len(a))
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")
	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID() = %q, want req-abc-123", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	valid := []string{
		"abc123",
		"request-id-123",
		"request_id_123",
		"550e8400-e29b-41d4-a716-446655440000",
		"a",
		strings.Repeat("a", 128),
	}
	for _, id := range valid {
		if !isValidRequestID(id) {
			t.Errorf("isValidRequestID(%q) = false, want true", id)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("a", 129),
		"id 123",
		"id\nmalicious",
		"id\rmalicious",
		"id\x00123",
		"id=123",
		"id/123",
		"id.123",
		"<script>alert(1)</script>",
	}
	for _, id := range invalid {
		if isValidRequestID(id) {
			t.Errorf("isValidRequestID(%q) = true, want false", id)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	run := func(t *testing.T, incoming string) (seenByHandler, echoed string) {
		t.Helper()
		handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenByHandler = GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/token", nil)
		if incoming != "" {
			req.Header.Set(RequestIDHeader, incoming)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return seenByHandler, rec.Header().Get(RequestIDHeader)
	}

	t.Run("generates when absent", func(t *testing.T) {
		seen, echoed := run(t, "")
		if seen == "" || seen != echoed {
			t.Errorf("context ID %q and response header %q must match and be non-empty", seen, echoed)
		}
	})

	t.Run("preserves valid upstream ID", func(t *testing.T) {
		seen, echoed := run(t, "upstream-request-id-xyz")
		if seen != "upstream-request-id-xyz" || echoed != "upstream-request-id-xyz" {
			t.Errorf("upstream ID not preserved: context %q, header %q", seen, echoed)
		}
	})

	t.Run("replaces malformed upstream IDs", func(t *testing.T) {
		for _, bad := range []string{
			"id with spaces",
			"id\r\nX-Injected: evil",
			strings.Repeat("a", 200),
			"<script>alert(1)</script>",
		} {
			seen, _ := run(t, bad)
			if seen == bad || len(seen) != 22 {
				t.Errorf("malformed ID %q should be replaced with a generated one, got %q", bad, seen)
			}
		}
	})
}

func TestRequestIDMiddleware_StableWithinRequest(t *testing.T) {
	var ids []string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, GetRequestID(r.Context()))
	})

	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.ServeHTTP(w, r)
		capture.ServeHTTP(w, r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))

	if len(ids) != 2 || ids[0] != ids[1] || ids[0] == "" {
		t.Errorf("expected one stable ID across the request, got %v", ids)
	}
}
