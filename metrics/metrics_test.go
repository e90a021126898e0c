package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ChainHeight.Set(3)
	a.BlocksAccepted.WithLabelValues("local").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(a.ChainHeight))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ChainHeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.BlocksAccepted.WithLabelValues("local")))
}

func TestTrackMiner(t *testing.T) {
	m := New()
	m.TrackMiner(MinerSource{
		Hashrate: func() float64 { return 1234 },
		Mined:    func() float64 { return 2 },
		Hashes:   func() float64 { return 99 },
		Aborted:  func() float64 { return 1 },
	})

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "shadowledger_miner_hashrate 1234")
	assert.Contains(t, w.Body.String(), "shadowledger_miner_blocks_mined_total 2")
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/chain", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chain", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/chain", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "shadowledger_api_requests_total")
}
