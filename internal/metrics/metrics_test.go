package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
)

func TestLedgerEvents(t *testing.T) {
	m := New()

	m.SaleSettled("loja-1", 20)
	m.SaleSettled("loja-1", 5.5)
	m.SettlementFailed("loja-1", domain.KindValidation)
	m.SessionOpened("loja-2")
	m.SessionClosed("loja-2")
	m.CountFinalized(10, 2)
	m.SetStaleSessions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.salesSettled.WithLabelValues("loja-1")))
	assert.Equal(t, 25.5, testutil.ToFloat64(m.salesValue.WithLabelValues("loja-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settleFailures.WithLabelValues("loja-1", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpened.WithLabelValues("loja-2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("loja-2")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.stockOverwrites.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stockOverwrites.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.staleSessions))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/sessions/:id", "204")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pdvledger_http_requests_total"))
}
