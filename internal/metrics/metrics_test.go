package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestInitQuotaMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	m := InitQuotaMetrics(reg)
	if m == nil {
		t.Fatal("InitQuotaMetrics returned nil")
	}

	// Verify all metrics are initialized
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"CyclesTotal", m.CyclesTotal},
		{"CycleDuration", m.CycleDuration},
		{"CycleErrors", m.CycleErrors},
		{"FilesTracked", m.FilesTracked},
		{"RelationsTracked", m.RelationsTracked},
		{"RelationsPending", m.RelationsPending},
		{"UnitsReclaimed", m.UnitsReclaimed},
		{"LedgerRows", m.LedgerRows},
		{"DroppedUpdates", m.DroppedUpdates},
		{"AdmissionsTotal", m.AdmissionsTotal},
		{"QuotasLoaded", m.QuotasLoaded},
		{"VolumeTotalBytes", m.VolumeTotalBytes},
		{"VolumeFreeBytes", m.VolumeFreeBytes},
		{"VolumeUsedBytes", m.VolumeUsedBytes},
	}
	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("metric %s is nil", tt.name)
		}
	}

	// Subsequent calls return the same instance
	if m2 := InitQuotaMetrics(nil); m2 != m {
		t.Error("expected singleton instance on second init")
	}

	// Values surface in the exposition of the registry used at init
	m.CyclesTotal.WithLabelValues("5").Inc()
	m.FilesTracked.WithLabelValues("5").Set(42)
	m.LedgerRows.Set(3)
	m.AdmissionsTotal.WithLabelValues("admitted").Add(7)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	body, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expected := []string{
		`diskwarden_refresh_cycles_total{tenant="5"} 1`,
		`diskwarden_files_tracked{tenant="5"} 42`,
		`diskwarden_ledger_rows 3`,
		`diskwarden_admissions_total{decision="admitted"} 7`,
	}
	for _, want := range expected {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("Expected %q in exposition", want)
		}
	}
}
