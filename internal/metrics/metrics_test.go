package metrics

import "testing"

// Recording methods must be safe before Init has been called.
func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.SetCollectorProgress(CollectorProgress{CurrentSlot: 10})
	m.SetQueue(StageCollector, 1, 2, 3)
	m.SetWorkerGaps(0, 5)
	m.SetRawFilesQueue(1, 1700000000)
	m.SetProcessedFilesQueue(1, 1700000000)
	m.IncSlotsFetched("ok")
	m.IncBatchRetries("transient")
	m.IncUploads(StageParser, "ok")
	m.IncFilesParsed("ok")
	m.AddRowsWritten("blocks", 3)
	m.IncFilesPartitioned("blocks", "move")
	m.ObserveRPCDuration("getBlock", 0.1)

	if Get() != nil {
		t.Error("Get() should be nil before Init")
	}
}
