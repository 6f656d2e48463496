package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefaults(t *testing.T) {
	s := NewServer(ServerConfig{})

	assert.Equal(t, 9108, s.Port())
	assert.Equal(t, "127.0.0.1:9108", s.server.Addr)
}

func TestServerIndexAndExtraHandlers(t *testing.T) {
	s := NewServer(ServerConfig{Port: 19108})
	s.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	t.Run("Index", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "/metrics")
	})

	t.Run("UnknownPath", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ExtraHandler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.Equal(t, "ok", rec.Body.String())
	})
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := NewServer(ServerConfig{Port: 19109})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestNoopTunnelMetrics(t *testing.T) {
	m := NewNoopTunnelMetrics()

	assert.NotPanics(t, func() {
		m.RecordTransition("fs-1", "starting", "running")
		m.RecordRestart("fs-1")
		m.RecordProbe("fs-1", time.Millisecond, nil)
		m.RecordBudgetExhausted("fs-1")
		m.SetSupervisedMounts(1)
		m.ForgetMount("fs-1")
	})
}
