package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/cardmbx/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareTagsAndRecordsByRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), RequestLogger(log.Logger), RequestMetricsMiddleware("mw-test"))
	r.GET("/endpoints/:name/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(path, reqID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if reqID != "" {
			req.Header.Set(HeaderRequestID, reqID)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("/endpoints/mgmt/status", "abc-123")
	require.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
	rec = serve("/endpoints/user/status", "")
	require.Len(t, rec.Header().Get(HeaderRequestID), 36)
	serve("/nowhere", "")

	got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/endpoints/:name/status", "200"))
	require.Equal(t, float64(2), got)
	got = testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "unmatched", "404"))
	require.Equal(t, float64(1), got)
}
