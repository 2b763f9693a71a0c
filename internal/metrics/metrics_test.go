package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doguSXFR/KeymanServer/internal/metrics"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.UnlockTotal.WithLabelValues("OK").Inc()
	m.UnlockTotal.WithLabelValues("OK").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnlockTotal.WithLabelValues("OK")))

	// Registering twice on the same registry must not panic.
	assert.NotPanics(t, func() { metrics.New(reg) })
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.SessionsPruned.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "keyman_sessions_pruned_total 3"))
}
