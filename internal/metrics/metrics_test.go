package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Gauges are always exported; vectors appear after first observation.
	body := w.Body.String()
	assert.Contains(t, body, "poisonguard_active_websocket_clients")
	assert.Contains(t, body, "poisonguard_workspaces")

	ResultsTotal.WithLabelValues("BLOCK").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `poisonguard_results_total{action="BLOCK"}`)
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))
	assert.Equal(t, before+1, after)
}

func TestAnalysisDuration_Buckets(t *testing.T) {
	var before dto.Metric
	require.NoError(t, AnalysisDuration.Write(&before))

	AnalysisDuration.Observe(0.002)

	var after dto.Metric
	require.NoError(t, AnalysisDuration.Write(&after))
	h := after.GetHistogram()
	require.NotNil(t, h)
	assert.Equal(t, before.GetHistogram().GetSampleCount()+1, h.GetSampleCount())

	// 0.002s lands in the 5ms bucket but not the 1ms one.
	for _, b := range h.GetBucket() {
		switch b.GetUpperBound() {
		case .001:
			assert.Equal(t, before.GetHistogram().GetBucket()[1].GetCumulativeCount(), b.GetCumulativeCount())
		case .005:
			assert.Equal(t, before.GetHistogram().GetBucket()[2].GetCumulativeCount()+1, b.GetCumulativeCount())
		}
	}
}
