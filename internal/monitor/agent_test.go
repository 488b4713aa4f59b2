package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

func TestParseLoadavg(t *testing.T) {
	if v, ok := parseLoadavg("0.42 0.50 0.61 1/233 4242"); !ok || v != 0.42 {
		t.Fatalf("parseLoadavg = %v, %v", v, ok)
	}
	if _, ok := parseLoadavg(""); ok {
		t.Fatal("empty loadavg should not parse")
	}
	if _, ok := parseLoadavg("abc 1 2"); ok {
		t.Fatal("garbage loadavg should not parse")
	}
}

func TestParseMeminfo(t *testing.T) {
	raw := "MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n"
	total, avail := parseMeminfo(raw)
	if total != 16000 {
		t.Fatalf("total = %v", total)
	}
	if avail != 8000 {
		t.Fatalf("avail = %v", avail)
	}
}

func TestReportPostsTelemetryWithToken(t *testing.T) {
	received := make(chan fogapi.TelemetrySnapshot, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/telemetry" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var ts fogapi.TelemetrySnapshot
		if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- ts
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAgent(srv.URL, "node-1", "tok", time.Second)
	if err := a.report(context.Background()); err != nil {
		t.Fatalf("report: %v", err)
	}
	ts := <-received
	sample, ok := ts.Hosts["node-1"]
	if !ok {
		t.Fatalf("hosts = %+v", ts.Hosts)
	}
	if sample.CPUCount <= 0 {
		t.Fatalf("cpu count = %v", sample.CPUCount)
	}
}

func TestReportSurfacesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAgent(srv.URL, "node-1", "", time.Second)
	if err := a.report(context.Background()); err == nil {
		t.Fatal("expected error on rejected telemetry")
	}
}
