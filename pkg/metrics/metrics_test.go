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

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.ScanStarted()
	c.ScanStarted()
	c.ScanFailed(3)
	c.CellsAccepted(4)
	c.CellsAccepted(0)
	c.SelectionFinished("carrier", "success", 2*time.Second)
	c.SwitchRequested()
	c.ModemToggled(true, false)
	c.SetEnabled(true)
	c.SetState("system", "scanning", []string{"idle", "scanning", "switching"})

	if got := testutil.ToFloat64(c.ScansStarted); got != 2 {
		t.Fatalf("scans started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ScanErrors.WithLabelValues("3")); got != 1 {
		t.Fatalf("scan errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ScanCells); got != 4 {
		t.Fatalf("cells = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.Selections.WithLabelValues("carrier", "success")); got != 1 {
		t.Fatalf("selections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ModemToggles.WithLabelValues("true", "false")); got != 1 {
		t.Fatalf("modem toggles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Enabled); got != 1 {
		t.Fatalf("enabled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SelectorState.WithLabelValues("system", "scanning")); got != 1 {
		t.Fatalf("state scanning = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SelectorState.WithLabelValues("system", "idle")); got != 0 {
		t.Fatalf("state idle = %v, want 0", got)
	}
}

func TestCollectorReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	first.ScanStarted()
	if got := testutil.ToFloat64(second.ScansStarted); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ScanStarted()
	c.ScanFailed(1)
	c.CellsAccepted(2)
	c.SelectionFinished("system", "aborted", time.Second)
	c.SwitchRequested()
	c.ModemToggled(false, true)
	c.SetEnabled(false)
	c.SetState("carrier", "idle", []string{"idle"})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetEnabled(true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ons_enabled 1") {
		t.Fatalf("metrics output missing ons_enabled:\n%s", body)
	}
}
