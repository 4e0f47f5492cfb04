package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	t.Run("StoreOperationsTotal", func(t *testing.T) {
		StoreOperationsTotal.WithLabelValues("get", "success").Inc()
		val := testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("get", "success"))
		if val < 1 {
			t.Errorf("Expected StoreOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("StoreOperationDuration", func(t *testing.T) {
		StoreOperationDuration.WithLabelValues("get").Observe(0.1)
	})

	t.Run("IncDecConnection", func(t *testing.T) {
		before := testutil.ToFloat64(ActiveWebSocketConnections)
		IncConnection()
		after := testutil.ToFloat64(ActiveWebSocketConnections)
		if after != before+1 {
			t.Errorf("expected IncConnection to increase gauge by 1")
		}
		DecConnection()
		final := testutil.ToFloat64(ActiveWebSocketConnections)
		if final != before {
			t.Errorf("expected DecConnection to restore gauge")
		}
	})
}
