package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func expectDelta(t *testing.T, c prometheus.Collector, before, delta float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != before+delta {
		t.Errorf("Expected %v, got %v", before+delta, got)
	}
}

func TestRecordInjected(t *testing.T) {
	before := testutil.ToFloat64(LayersInjected.WithLabelValues("LoraLinear"))
	RecordInjected("LoraLinear")
	RecordInjected("LoraLinear")
	expectDelta(t, LayersInjected.WithLabelValues("LoraLinear"), before, 2)
}

func TestRecordRemovedAndCollapsed(t *testing.T) {
	removed := testutil.ToFloat64(LayersRemoved.WithLabelValues("LoraConv2D"))
	collapsed := testutil.ToFloat64(LayersCollapsed.WithLabelValues("LoraConv2D"))
	RecordRemoved("LoraConv2D")
	RecordCollapsed("LoraConv2D")
	expectDelta(t, LayersRemoved.WithLabelValues("LoraConv2D"), removed, 1)
	expectDelta(t, LayersCollapsed.WithLabelValues("LoraConv2D"), collapsed, 1)
}

func TestRecordBundleIO(t *testing.T) {
	tensors := testutil.ToFloat64(BundleTensors.WithLabelValues(DirectionWrite))
	bytes := testutil.ToFloat64(BundleBytes.WithLabelValues(DirectionWrite))
	RecordBundleIO(DirectionWrite, 4, 1024)
	expectDelta(t, BundleTensors.WithLabelValues(DirectionWrite), tensors, 4)
	expectDelta(t, BundleBytes.WithLabelValues(DirectionWrite), bytes, 1024)
}

func TestRecordSurgeryAndErrors(t *testing.T) {
	RecordSurgery("inject", time.Now().Add(-10*time.Millisecond))
	if n := testutil.CollectAndCount(SurgeryDuration, "lora_surgery_duration_seconds"); n != 1 {
		t.Errorf("Expected 1 duration series, got %d", n)
	}

	before := testutil.ToFloat64(SurgeryErrors.WithLabelValues("read_bundle", "corrupt_bundle"))
	RecordError("read_bundle", "corrupt_bundle")
	expectDelta(t, SurgeryErrors.WithLabelValues("read_bundle", "corrupt_bundle"), before, 1)
}
