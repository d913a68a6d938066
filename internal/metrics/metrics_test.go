package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.FramesAppended.WithLabelValues("forever").Inc()
	m.ObserveBatchCommit(time.Millisecond, 1, 128)

	if got := testutil.ToFloat64(m.FramesAppended.WithLabelValues("forever")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "xs_eventlog_frames_appended_total") || !strings.Contains(body, "xs_storage_bytes_total") {
		t.Fatalf("metrics missing from exposition:\n%s", body)
	}
}
