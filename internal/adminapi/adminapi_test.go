package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmikhailov/agentrelay/internal/domain"
	"github.com/mmikhailov/agentrelay/internal/pool"
)

type fakeBindings struct {
	pingErr error
}

func (f *fakeBindings) Get(context.Context, string, string) (*domain.ThreadSessionBinding, error) {
	return nil, errors.New("unused")
}
func (f *fakeBindings) Upsert(context.Context, string, string, string, string) error { return nil }
func (f *fakeBindings) Delete(context.Context, string, string) error                 { return nil }
func (f *fakeBindings) SetModel(context.Context, string, string, string) error       { return nil }
func (f *fakeBindings) GetModel(context.Context, string, string) (string, error)     { return "auto", nil }
func (f *fakeBindings) DeleteStaleWorkspaces(context.Context, string) (int64, error) {
	return 0, nil
}
func (f *fakeBindings) Ping(context.Context) error { return f.pingErr }

type fakePool struct{ slots []pool.SlotSnapshot }

func (f *fakePool) Snapshot() []pool.SlotSnapshot { return f.slots }
func (f *fakePool) Len() int                      { return len(f.slots) }

type fakeCounter struct{ n int }

func (f *fakeCounter) Len() int { return f.n }

func TestHealthReportsHealthyWhenBindingStoreOK(t *testing.T) {
	s := New(&fakeBindings{}, &fakePool{}, &fakeCounter{}, &fakeCounter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.Health(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", body["status"])
	}
}

func TestHealthReportsDegradedWhenBindingStoreFails(t *testing.T) {
	s := New(&fakeBindings{pingErr: errors.New("db down")}, &fakePool{}, &fakeCounter{}, &fakeCounter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.Health(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestDebugPoolReturnsSnapshot(t *testing.T) {
	slots := []pool.SlotSnapshot{{ID: 1, Status: "idle", Alive: true}}
	s := New(&fakeBindings{}, &fakePool{slots: slots}, &fakeCounter{n: 2}, &fakeCounter{n: 3}, nil)
	req := httptest.NewRequest(http.MethodGet, "/debug/pool", nil)
	w := httptest.NewRecorder()

	s.DebugPool(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		SlotCount  int `json:"slot_count"`
		InFlight   int `json:"in_flight"`
		QueueDepth int `json:"queue_depth"`
		Slots      []pool.SlotSnapshot
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SlotCount != 1 || body.InFlight != 2 || body.QueueDepth != 3 {
		t.Fatalf("unexpected snapshot counts: %+v", body)
	}
}

func TestRoutesRegistersExpectedEndpoints(t *testing.T) {
	s := New(&fakeBindings{}, &fakePool{}, &fakeCounter{}, &fakeCounter{}, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from heartbeat /ping, got %d", resp2.StatusCode)
	}
}
