package metrics

import (
	"testing"
	"time"
)

func TestCollectorConnectionCounters(t *testing.T) {
	c := NewCollector(0, 0)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	snap := c.Snapshot()
	if snap.ConnectionsOpened != 2 {
		t.Errorf("ConnectionsOpened: got %d, want 2", snap.ConnectionsOpened)
	}
	if snap.ConnectionsClosed != 1 {
		t.Errorf("ConnectionsClosed: got %d, want 1", snap.ConnectionsClosed)
	}
}

func TestCollectorRecordBytes(t *testing.T) {
	c := NewCollector(0, 0)

	c.RecordBytes(100, 200)
	c.RecordBytes(50, 25)

	snap := c.Snapshot()
	if snap.BytesClientServer != 150 {
		t.Errorf("BytesClientServer: got %d, want 150", snap.BytesClientServer)
	}
	if snap.BytesServerClient != 225 {
		t.Errorf("BytesServerClient: got %d, want 225", snap.BytesServerClient)
	}
}

func TestCollectorRecordDialBucketsByWidth(t *testing.T) {
	c := NewCollector(25, 100)

	c.RecordDial(5*time.Millisecond, false)
	c.RecordDial(30*time.Millisecond, false)
	c.RecordDial(60*time.Millisecond, true)

	snap := c.Snapshot()
	if snap.DialFailures != 1 {
		t.Errorf("DialFailures: got %d, want 1", snap.DialFailures)
	}
	if snap.DialBucketWidthMs != 25 {
		t.Errorf("DialBucketWidthMs: got %d, want 25", snap.DialBucketWidthMs)
	}

	var total int64
	for _, v := range snap.DialBuckets {
		total += v
	}
	if total != 3 {
		t.Errorf("total bucketed dials: got %d, want 3", total)
	}
	if snap.DialBuckets[0] != 1 {
		t.Errorf("bucket[0] (5ms): got %d, want 1", snap.DialBuckets[0])
	}
	if snap.DialBuckets[1] != 1 {
		t.Errorf("bucket[1] (30ms): got %d, want 1", snap.DialBuckets[1])
	}
}

func TestCollectorRecordDialOverflow(t *testing.T) {
	c := NewCollector(25, 100)

	c.RecordDial(5*time.Second, true)

	snap := c.Snapshot()
	overflowIdx := len(snap.DialBuckets) - 1
	if snap.DialBuckets[overflowIdx] != 1 {
		t.Errorf("overflow bucket: got %d, want 1", snap.DialBuckets[overflowIdx])
	}
}

func TestCollectorSnapshotDoesNotReset(t *testing.T) {
	c := NewCollector(0, 0)
	c.ConnectionOpened()

	first := c.Snapshot()
	second := c.Snapshot()

	if first.ConnectionsOpened != second.ConnectionsOpened {
		t.Errorf("Snapshot reset state between calls: %d != %d", first.ConnectionsOpened, second.ConnectionsOpened)
	}
}

func TestNewCollectorDefaultsOnNonPositiveArgs(t *testing.T) {
	c := NewCollector(-1, 0)
	snap := c.Snapshot()
	if snap.DialBucketWidthMs != defaultDialBucketMs {
		t.Errorf("DialBucketWidthMs: got %d, want default %d", snap.DialBucketWidthMs, defaultDialBucketMs)
	}
	if snap.DialOverflowMs != defaultDialOverflowMs {
		t.Errorf("DialOverflowMs: got %d, want default %d", snap.DialOverflowMs, defaultDialOverflowMs)
	}
}
