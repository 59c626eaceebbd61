package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func doHealth(t *testing.T, handler http.HandlerFunc) (int, Status) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/healthz", nil))

	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return rec.Code, st
}

func TestHTTPHandlerAllHealthy(t *testing.T) {
	handler := HTTPHandler(fakePinger{}, Check{
		Name:  "queue",
		Probe: func(context.Context) error { return nil },
	})

	code, st := doHealth(t, handler)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if !st.OK {
		t.Error("ok = false with all checks passing")
	}
	if st.Checks["database"] != "ok" || st.Checks["queue"] != "ok" {
		t.Errorf("checks = %v, want database and queue ok", st.Checks)
	}
}

func TestHTTPHandlerDatabaseDown(t *testing.T) {
	handler := HTTPHandler(fakePinger{err: errors.New("connection refused")})

	code, st := doHealth(t, handler)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if st.OK {
		t.Error("ok = true with the database down")
	}
	if st.Checks["database"] == "ok" {
		t.Errorf("database check = %q, want the failure", st.Checks["database"])
	}
}

func TestHTTPHandlerExtraCheckFails(t *testing.T) {
	handler := HTTPHandler(fakePinger{}, Check{
		Name:  "cache",
		Probe: func(context.Context) error { return errors.New("redis: timeout") },
	})

	code, st := doHealth(t, handler)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if st.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want ok", st.Checks["database"])
	}
	if st.Checks["cache"] == "ok" {
		t.Error("failing cache check reported ok")
	}
}
