package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(RecordsAppended)
	RecordsAppended.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RecordsAppended))

	before = testutil.ToFloat64(SchemaEvolutions.WithLabelValues(OutcomeNoop))
	SchemaEvolutions.WithLabelValues(OutcomeNoop).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SchemaEvolutions.WithLabelValues(OutcomeNoop)))
}

func TestHandlerServesNamespace(t *testing.T) {
	EncodedBytes.Add(8)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "clps_encoded_bytes_total"))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}
