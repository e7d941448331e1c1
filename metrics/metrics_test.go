package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordChunkCountsBytes(t *testing.T) {
	beforeChunks := testutil.ToFloat64(chunks.WithLabelValues(RolePeripheral))
	beforeBytes := testutil.ToFloat64(payloadBytes.WithLabelValues(RolePeripheral))

	RecordChunk(RolePeripheral, 20)
	RecordChunk(RolePeripheral, 5)

	assert.Equal(t, beforeChunks+2, testutil.ToFloat64(chunks.WithLabelValues(RolePeripheral)))
	assert.Equal(t, beforeBytes+25, testutil.ToFloat64(payloadBytes.WithLabelValues(RolePeripheral)))
}

func TestSetState(t *testing.T) {
	SetState(RoleCentral, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(state.WithLabelValues(RoleCentral)))
}

func TestRegisterMetricsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
	RecordSendRejected()
	assert.GreaterOrEqual(t, testutil.ToFloat64(sendRejected), 1.0)
}
