package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/loquora/internal/agent"
	memorymock "github.com/MrWong99/loquora/pkg/memory/mock"
	"github.com/MrWong99/loquora/pkg/provider/pool"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "scenario", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store check = %q, want %q", body.Checks["store"], "ok")
	}
	if body.Checks["scenario"] != "ok" {
		t.Errorf("scenario check = %q, want %q", body.Checks["scenario"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "scenario", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["store"] != "fail: connection refused" {
		t.Errorf("store check = %q, want %q", body.Checks["store"], "fail: connection refused")
	}
	if body.Checks["scenario"] != "ok" {
		t.Errorf("scenario check = %q, want %q", body.Checks["scenario"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "stt_pool", Check: func(_ context.Context) error {
			return errors.New("pool saturated (4/4 in use)")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["store"] != "fail: timeout" {
		t.Errorf("store check = %q", body.Checks["store"])
	}
	if body.Checks["stt_pool"] != "fail: pool saturated (4/4 in use)" {
		t.Errorf("stt_pool check = %q", body.Checks["stt_pool"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStoreChecker_MissingProbeKeyIsHealthy(t *testing.T) {
	c := StoreChecker(memorymock.NewStore())
	if c.Name != "store" {
		t.Errorf("name = %q, want store", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStoreChecker_BackendErrorFails(t *testing.T) {
	store := memorymock.NewStore()
	store.GetErr = errors.New("connection reset")

	c := StoreChecker(store)
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestPoolChecker_HeadroomIsHealthy(t *testing.T) {
	c := PoolChecker("stt_pool", func() pool.Stats {
		return pool.Stats{InUse: 2, Idle: 1, Capacity: 4}
	})
	if c.Name != "stt_pool" {
		t.Errorf("name = %q, want stt_pool", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPoolChecker_SaturatedFails(t *testing.T) {
	c := PoolChecker("tts_pool", func() pool.Stats {
		return pool.Stats{InUse: 4, Capacity: 4}
	})
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("expected error from saturated pool")
	}
}

func TestScenarioChecker(t *testing.T) {
	tests := []struct {
		name     string
		scenario *agent.Scenario
		wantErr  bool
	}{
		{"loaded", &agent.Scenario{Agents: []agent.Descriptor{{Name: "Concierge"}}}, false},
		{"nil", nil, true},
		{"empty", &agent.Scenario{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := ScenarioChecker(func() *agent.Scenario { return tc.scenario })
			err := c.Check(context.Background())
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
