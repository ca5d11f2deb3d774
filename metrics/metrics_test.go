package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a := New("vpp_ping")
	b := New("vpp_ping")

	a.ProbesTotal.WithLabelValues("sim", "registry", OutcomeReply).Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ProbesTotal.WithLabelValues("sim", "registry", OutcomeReply)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ProbesTotal.WithLabelValues("sim", "registry", OutcomeReply)))
}

func TestHandler(t *testing.T) {
	m := New("vpp_ping")
	m.Connected.WithLabelValues("sim").Set(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vpp_ping_probe_connected{endpoint="sim"} 1`)
}
