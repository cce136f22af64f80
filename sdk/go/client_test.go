package switchboardsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitEmailDecodesBlockedResult(t *testing.T) {
	var gotPath, gotKey string
	var got Email
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(IngressResult{Status: "BLOCKED", EventID: "ev-1", Reason: "sender is blocked"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	res, err := c.SubmitEmail(context.Background(), Email{From: Sender{Email: "spam@example.com"}, Text: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotPath != "/v1/ingress/email" || gotKey != "k1" {
		t.Fatalf("unexpected request path=%s key=%s", gotPath, gotKey)
	}
	if got.Channel != "email" {
		t.Fatalf("expected default channel, got %q", got.Channel)
	}
	if res.Accepted || res.Status != "BLOCKED" || res.EventID != "ev-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAPIErrorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Introspect(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestAuditPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/audit" || q.Get("entity_type") != "task" || q.Get("limit") != "5" || q.Get("cursor") != "10" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(PaginatedAudit{Items: []AuditEvent{{ID: 11, Action: "CLAIM_TASK"}}, NextCursor: "11"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "api"
	page, err := c.AuditPage(context.Background(), "task", 5, "10")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "11" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestVerifyApprovalBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "sbat.x.y" || body["envelope"] == nil {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(Authorization{Allowed: true, Fingerprint: "fp"})
	}))
	defer srv.Close()

	out, err := New(srv.URL).VerifyApproval(context.Background(), map[string]any{"protocol": "switchboard.tool-call"}, "sbat.x.y")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !out.Allowed || out.Fingerprint != "fp" {
		t.Fatalf("unexpected authorization %+v", out)
	}
}
