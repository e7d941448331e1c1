package statusd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/metrics"
)

func TestMain(m *testing.M) {
	logger.SetLevel(logger.WARN)
	os.Exit(m.Run())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New("127.0.0.1:0")

	rec := get(t, s, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatus_RegisteredRoles(t *testing.T) {
	s := New("127.0.0.1:0")
	s.Register("central", func() interface{} {
		return map[string]string{"state": "scanning"}
	})
	s.Register("peripheral", func() interface{} {
		return map[string]interface{}{"state": "ready", "advertising": true}
	})

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Roles map[string]map[string]interface{} `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "scanning", body.Roles["central"]["state"])
	assert.Equal(t, true, body.Roles["peripheral"]["advertising"])

	rec = get(t, s, "/status/central")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanning")
}

func TestStatus_UnknownRole(t *testing.T) {
	s := New("127.0.0.1:0")

	rec := get(t, s, "/status/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New("127.0.0.1:0")
	metrics.RecordMessage(metrics.RoleCentral)

	rec := get(t, s, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "btle_transfer_messages_total"))
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
