package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("MoriaServer")
	IncStart("MoriaServer")
	IncStop("MoriaServer", false)
	IncStop("MoriaServer", true)
	IncUnexpectedExit("MoriaServer")
	ObserveStartDuration("MoriaServer", 1500*time.Millisecond)
	IncUpdateFailure("MoriaServer")
	RecordStateTransition("MoriaServer", "stopped", "starting")
	SetCurrentState("MoriaServer", "running", true)
	SetResourceUsage("MoriaServer", 12.5, 2<<20)
	SetWatchdogArmed(true)
	SetNextRestart(time.Unix(1704110400, 0))
	IncWarning(30)
	IncScheduledRestart()
	IncHistoryError("sqlite")

	if got := testutil.ToFloat64(serverStarts.WithLabelValues("MoriaServer")); got != 2 {
		t.Fatalf("starts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(serverStops.WithLabelValues("MoriaServer", "forced")); got != 1 {
		t.Fatalf("forced stops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(watchdogNextRestart); got != 1704110400 {
		t.Fatalf("next restart = %v", got)
	}
	if got := testutil.ToFloat64(watchdogWarnings.WithLabelValues("30")); got != 1 {
		t.Fatalf("warnings{30} = %v, want 1", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"rtmsm_server_starts_total":                    false,
		"rtmsm_server_start_duration_seconds":          false,
		"rtmsm_server_memory_bytes":                    false,
		"rtmsm_watchdog_armed":                         false,
		"rtmsm_watchdog_next_restart_timestamp_seconds": false,
		"rtmsm_history_send_errors_total":              false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	SetNextRestart(time.Time{})
	if got := testutil.ToFloat64(watchdogNextRestart); got != 0 {
		t.Fatalf("cleared next restart = %v", got)
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(scheduledRestarts)
	IncScheduledRestart()
	if got := testutil.ToFloat64(scheduledRestarts); got != before {
		t.Fatalf("counter moved before Register: %v -> %v", before, got)
	}
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	IncStart("x")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "rtmsm_server_starts_total") {
		t.Fatalf("metrics output missing starts counter")
	}
}
