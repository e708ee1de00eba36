package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trailbook/trailbook/internal/entity"
)

func testClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{
		BaseURL:      srv.URL,
		Token:        StaticToken("tok-123"),
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return c
}

func TestListAll(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "s-1", "updated_at": "2026-08-01T12:00:00Z",
				"fields": map[string]any{"title": "Iceland"}},
		})
	}))

	got, err := c.ListAll(context.Background(), entity.TypeTrip, ScopeFilter{
		OwnerID: "u-1", TripIDs: []string{"s-1", "s-2"},
	})
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotPath != "/api/v1/trips" {
		t.Errorf("path = %q, want /api/v1/trips", gotPath)
	}
	if gotQuery != "owner=u-1&trip=s-1&trip=s-2" {
		t.Errorf("query = %q, want owner and repeated trip params", gotQuery)
	}
	if len(got) != 1 || got[0].ID != "s-1" || got[0].Fields["title"] != "Iceland" {
		t.Errorf("ListAll = %v, want the decoded entity", got)
	}
}

func TestCreateDecodesEntity(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/memories" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Fields entity.Snapshot `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Fields["title"] != "Sunrise" {
			t.Errorf("payload = %v, want the snapshot under fields", body.Fields)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "s-9", "updated_at": "2026-08-01T12:00:00Z", "fields": body.Fields,
		})
	}))

	got, err := c.Create(context.Background(), entity.TypeMemory,
		entity.Snapshot{"title": "Sunrise", "trip_id": "t-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got.ID != "s-9" {
		t.Errorf("ID = %q, want s-9", got.ID)
	}
}

func TestDeleteTolerates404(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	if err := c.Delete(context.Background(), entity.TypeTrip, "s-gone"); err != nil {
		t.Errorf("Delete of unknown id = %v, want nil", err)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListAll(context.Background(), entity.TypeTrip, ScopeFilter{})
	if KindOf(err) != KindAuth {
		t.Fatalf("KindOf = %v, want KindAuth", KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want exactly 1 (no retry on auth)", calls.Load())
	}
}

func TestServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))

	got, err := c.ListAll(context.Background(), entity.TypeTrip, ScopeFilter{})
	if err != nil {
		t.Fatalf("ListAll failed after retries: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListAll = %v, want empty", got)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
}

func TestRetryCeilingExcludesFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{
		BaseURL:      srv.URL,
		Token:        StaticToken("tok-123"),
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	_, err = c.ListAll(context.Background(), entity.TypeTrip, ScopeFilter{})
	if KindOf(err) != KindServer {
		t.Fatalf("KindOf = %v, want KindServer", KindOf(err))
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3 (first attempt plus 2 retries)", calls.Load())
	}
}

func TestValidationErrorSurfaced(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := c.Create(context.Background(), entity.TypeTrip, entity.Snapshot{"title": "x"})
	if KindOf(err) != KindValidation {
		t.Fatalf("KindOf = %v, want KindValidation", KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1 (no retry on validation)", calls.Load())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindValidation},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindNetwork, true},
		{KindServer, true},
		{KindAuth, false},
		{KindValidation, false},
		{KindNotFound, false},
	}
	for _, tt := range tests {
		err := &Error{Kind: tt.kind, Op: "test", Err: errors.New("boom")}
		if got := IsRetryable(err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestTokenFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should never be reached without a credential")
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Token: func(context.Context) (string, error) {
			return "", errors.New("keychain locked")
		},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	_, err = c.ListAll(context.Background(), entity.TypeTrip, ScopeFilter{})
	if KindOf(err) != KindAuth {
		t.Errorf("KindOf = %v, want KindAuth", KindOf(err))
	}
}
