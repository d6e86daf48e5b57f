package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSelectionMetricsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewSelectionMetrics(reg)

	m.ObserveTransition("restore", "restored")
	m.ObserveTransition("restore", "restored")
	m.ObserveTransition("save", "saved")
	m.ObserveTargets("save", 3)

	tests := []struct {
		operation string
		outcome   string
		want      float64
	}{
		{operation: "restore", outcome: "restored", want: 2},
		{operation: "save", outcome: "saved", want: 1},
		{operation: "restore", outcome: "corrupt", want: 0},
	}
	for _, testCase := range tests {
		got := testutil.ToFloat64(m.Transitions.WithLabelValues(testCase.operation, testCase.outcome))
		if got != testCase.want {
			t.Fatalf("transitions{%s,%s} = %v, want %v", testCase.operation, testCase.outcome, got, testCase.want)
		}
	}

	if count := testutil.CollectAndCount(m.Targets); count != 1 {
		t.Fatalf("target series = %d, want 1", count)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := NewSelectionMetrics(reg)
	m.ObserveTransition("save", "saved")

	recorder := httptest.NewRecorder()
	Handler(reg).ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	for _, fragment := range []string{
		`gm_toolbox_selection_memory_transitions_total{operation="save",outcome="saved"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), fragment) {
			t.Fatalf("metrics output missing %q", fragment)
		}
	}
}
