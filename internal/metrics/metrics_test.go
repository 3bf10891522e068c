package metrics

import "testing"

func TestRecordCrankAggregates(t *testing.T) {
	m := &Metrics{}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))

	m.RecordCrank("v1", "send", 10, true)
	m.RecordCrank("v1", "notify", 20, false)

	if got := m.TotalCranks.Load(); got != 2 {
		t.Fatalf("TotalCranks = %d, want 2", got)
	}
	if got := m.SuccessCranks.Load(); got != 1 {
		t.Errorf("SuccessCranks = %d, want 1", got)
	}
	if got := m.FailedCranks.Load(); got != 1 {
		t.Errorf("FailedCranks = %d, want 1", got)
	}

	vm := m.GetVatMetrics("v1")
	if vm == nil {
		t.Fatal("expected vat metrics for v1")
	}
	if got := vm.Cranks.Load(); got != 2 {
		t.Errorf("vat Cranks = %d, want 2", got)
	}
}

func TestSnapshotShapeIncludesVats(t *testing.T) {
	m := &Metrics{}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	m.RecordVatLaunched()
	m.RecordVatCrashed()

	snap := m.Snapshot()
	vats, ok := snap["vats"].(map[string]interface{})
	if !ok {
		t.Fatal("expected vats key in snapshot")
	}
	if vats["launched"].(int64) != 1 {
		t.Errorf("launched = %v, want 1", vats["launched"])
	}
	if vats["crashed"].(int64) != 1 {
		t.Errorf("crashed = %v, want 1", vats["crashed"])
	}
}
