package adminauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_APIKey(t *testing.T) {
	var gotIdentity *Identity
	handler := Middleware([]string{"good-key"}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"valid key", "good-key", http.StatusOK},
		{"wrong key", "bad-key", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotIdentity = nil
			req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && (gotIdentity == nil || gotIdentity.Method != MethodAPIKey) {
				t.Error("expected an api_key identity on success")
			}
		})
	}
}

func TestMiddleware_NoCredentialsRejected(t *testing.T) {
	handler := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without credentials")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestMiddleware_BearerWithoutOIDCConfiguredRejected(t *testing.T) {
	handler := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := NewContext(context.Background(), &Identity{Subject: "apikey", Method: MethodAPIKey})
	id, ok := FromContext(ctx)
	if !ok || id.Subject != "apikey" {
		t.Fatalf("expected identity round-trip, got %+v ok=%v", id, ok)
	}
}
