package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRowsProcessed(t *testing.T) {
	c := RowsProcessed.WithLabelValues("metrics_test", OutcomeInserted)
	before := testutil.ToFloat64(c)
	c.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(c))
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker("test.csv", "metrics_test")
	tr.Increment(100)
	time.Sleep(10 * time.Millisecond)
	rps := tr.GetAndReset()
	assert.Greater(t, rps, 0.0)
	assert.Equal(t, rps, testutil.ToFloat64(Throughput.WithLabelValues("test.csv", "metrics_test")))
	assert.Equal(t, int64(0), tr.count)
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}
