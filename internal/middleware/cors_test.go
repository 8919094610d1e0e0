package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example", "*"})
	if !p.Allows("https://other.example") {
		t.Error("wildcard should admit any origin")
	}
	if p.Listed("https://other.example") {
		t.Error("wildcard match must not count as listed")
	}
	if !p.Listed("https://app.example") {
		t.Error("explicit origin should be listed")
	}

	empty := NewOriginPolicy(nil)
	if empty.Allows("https://app.example") {
		t.Error("empty policy should reject every origin")
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantOrigin  string
		wantCreds   string
		wantHeaders string
		wantStatus  int
	}{
		{"explicit origin", []string{"https://app.example"}, "https://app.example", http.MethodGet, "https://app.example", "true", "", http.StatusTeapot},
		{"wildcard", []string{"*"}, "https://other.example", http.MethodGet, "https://other.example", "", "", http.StatusTeapot},
		{"rejected origin", []string{"https://app.example"}, "https://evil.example", http.MethodGet, "", "", "", http.StatusTeapot},
		{"no origin", nil, "", http.MethodGet, "", "", "", http.StatusTeapot},
		{"preflight", []string{"https://app.example"}, "https://app.example", http.MethodOptions, "https://app.example", "true", "Content-Type, Authorization", http.StatusNoContent},
		{"rejected preflight", []string{"https://app.example"}, "https://evil.example", http.MethodOptions, "", "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()

			CORS(NewOriginPolicy(tt.allowed))(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("allow-credentials = %q, want %q", got, tt.wantCreds)
			}
			if got := w.Header().Get("Access-Control-Allow-Headers"); got != tt.wantHeaders {
				t.Errorf("allow-headers = %q, want %q", got, tt.wantHeaders)
			}
		})
	}
}
