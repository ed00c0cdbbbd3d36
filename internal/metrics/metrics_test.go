package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Cycles.Add(3)
	m.RecordSnapshot(7, 2, time.Now())
	m.ObserveInference(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "detection_cycles_total 3")
	assert.Contains(t, out, "detection_snapshot_version 7")
	assert.Contains(t, out, "detection_objects_total 2")
	assert.Contains(t, out, "detection_inference_seconds_count 1")
}
