package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doRequest(t *testing.T, h http.HandlerFunc, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, res
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	rec, res := doRequest(t, New().Healthz, "/healthz")
	if rec.Code != http.StatusOK || res.Status != "ok" {
		t.Errorf("want 200 ok, got %d %q", rec.Code, res.Status)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "tiers", Check: func(context.Context) error { return nil }},
		Checker{Name: "sink", Check: func(context.Context) error { return nil }},
	)
	rec, res := doRequest(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusOK || res.Status != "ok" {
		t.Errorf("want 200 ok, got %d %q", rec.Code, res.Status)
	}
	if res.Checks["tiers"] != "ok" || res.Checks["sink"] != "ok" {
		t.Errorf("checks: %v", res.Checks)
	}
}

func TestReadyz_FailurePropagates(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "tiers", Check: func(context.Context) error { return errors.New("tier 2 is loading") }},
		Checker{Name: "sink", Check: func(context.Context) error { return nil }},
	)
	rec, res := doRequest(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || res.Status != "fail" {
		t.Errorf("want 503 fail, got %d %q", rec.Code, res.Status)
	}
	if res.Checks["tiers"] != "fail: tier 2 is loading" {
		t.Errorf("tiers check: %q", res.Checks["tiers"])
	}
}
