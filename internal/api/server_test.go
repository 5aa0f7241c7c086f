package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"
)

func newTestEcho(status *Status) *echo.Echo {
	e := echo.New()
	NewServer(status).Register(e)
	return e
}

func get(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestEcho(NewStatus("", 1)), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStatusReflectsUpdates(t *testing.T) {
	t.Parallel()
	status := NewStatus("run-42", 90)
	e := newTestEcho(status)

	status.StartEpoch(3, 100, 0.01)
	status.Batch(10, 1.5, 42.5)
	status.EndEpoch(55, 60)

	rec := get(t, e, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RunID != "run-42" || snap.Epoch != 3 || snap.Batch != 10 || snap.Batches != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.State != StateTraining || snap.LR != 0.01 || snap.TrainAcc != 42.5 || snap.BestAcc != 60 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunLookup(t *testing.T) {
	t.Parallel()
	status := NewStatus("", 1)
	e := newTestEcho(status)
	if status.RunID() == "" {
		t.Fatal("expected generated run id")
	}

	rec := get(t, e, "/v1/runs/"+status.RunID())
	if rec.Code != http.StatusOK {
		t.Fatalf("known run: status %d", rec.Code)
	}
	rec = get(t, e, "/v1/runs/other")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: status %d", rec.Code)
	}
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "not_found_error" {
		t.Fatalf("error type = %q", body.Error.Type)
	}
}

func TestFinishStates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		cancelled bool
		want      string
	}{
		{"completed", nil, false, StateCompleted},
		{"failed", errors.New("boom"), false, StateFailed},
		{"cancelled", nil, true, StateCancelled},
	}
	for _, tc := range tests {
		s := NewStatus("r", 1)
		s.Finish(tc.err, tc.cancelled)
		snap := s.Snapshot()
		if snap.State != tc.want {
			t.Errorf("%s: state = %q, want %q", tc.name, snap.State, tc.want)
		}
		if tc.err != nil && snap.Error != "boom" {
			t.Errorf("%s: error = %q", tc.name, snap.Error)
		}
	}
}

func TestStatusConcurrentUse(t *testing.T) {
	t.Parallel()
	s := NewStatus("r", 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Batch(i, 0, 0)
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()
}
