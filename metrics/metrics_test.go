package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordStoreOpCountsOnlyErrors(t *testing.T) {
	c := StoreOpErrors.WithLabelValues("test", "op")
	before := counterValue(t, c)

	RecordStoreOp("test", "op", time.Millisecond, nil)
	assert.Equal(t, before, counterValue(t, c))

	RecordStoreOp("test", "op", time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, counterValue(t, c))
}

func TestRecordPurge(t *testing.T) {
	ok := PurgeRuns.WithLabelValues("ok")
	failed := PurgeRuns.WithLabelValues("error")
	msgs := PurgedRecords.WithLabelValues("message")

	okBefore, failedBefore, msgsBefore := counterValue(t, ok), counterValue(t, failed), counterValue(t, msgs)

	RecordPurge(2, 5, nil)
	RecordPurge(0, 0, errors.New("locked"))

	assert.Equal(t, okBefore+1, counterValue(t, ok))
	assert.Equal(t, failedBefore+1, counterValue(t, failed))
	assert.Equal(t, msgsBefore+5, counterValue(t, msgs))
}

func TestTrackActiveRequest(t *testing.T) {
	var m dto.Metric
	TrackActiveRequest(true)
	require.NoError(t, APIActiveRequests.Write(&m))
	assert.GreaterOrEqual(t, m.GetGauge().GetValue(), 1.0)
	TrackActiveRequest(false)
}
