package metrics

import (
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollectorDescribeEmitsAllDescs(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector(0, 0), nil)

	ch := make(chan *prometheus.Desc, 16)
	pc.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 7 {
		t.Errorf("Describe emitted %d descs, want 7", count)
	}
}

func TestPrometheusCollectorCollectWithoutStatsProvider(t *testing.T) {
	c := NewCollector(0, 0)
	c.ConnectionOpened()
	c.RecordBytes(10, 20)

	pc := NewPrometheusCollector(c, nil)

	if n := testutil.CollectAndCount(pc); n == 0 {
		t.Fatal("expected at least one metric from Collect")
	}
}

func TestPrometheusCollectorReportsGaugesFromStatsProvider(t *testing.T) {
	c := NewCollector(0, 0)
	stats := func() GaugeSnapshot {
		return GaugeSnapshot{
			ActiveConnections:       3,
			SessionPoolSize:         5,
			BrokenAltServiceEntries: 1,
		}
	}
	pc := NewPrometheusCollector(c, stats)

	registry := prometheus.NewRegistry()
	if err := registry.Register(pc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := map[string]float64{}
	for _, mf := range got {
		for _, m := range mf.Metric {
			if g := m.GetGauge(); g != nil {
				found[mf.GetName()] = g.GetValue()
			}
		}
	}

	if found["forward_connections_active"] != 3 {
		t.Errorf("forward_connections_active: got %v, want 3", found["forward_connections_active"])
	}
	if found["session_pool_size"] != 5 {
		t.Errorf("session_pool_size: got %v, want 5", found["session_pool_size"])
	}
	if found["altsvc_broken_entries"] != 1 {
		t.Errorf("altsvc_broken_entries: got %v, want 1", found["altsvc_broken_entries"])
	}
}

func TestPrometheusCollectorDialBucketsAreCumulative(t *testing.T) {
	c := NewCollector(25, 100)
	c.RecordDial(5*time.Millisecond, false)
	c.RecordDial(90*time.Millisecond, false)

	pc := NewPrometheusCollector(c, nil)
	registry := prometheus.NewRegistry()
	if err := registry.Register(pc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	// Gather orders metrics by label value as strings ("+Inf" sorts before
	// "0.025"), so order the buckets by their numeric upper bound first.
	type bucket struct{ le, v float64 }
	var buckets []bucket
	var sawInf bool
	for _, mf := range mfs {
		if mf.GetName() != "dial_duration_seconds_bucket" {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != "le" {
					continue
				}
				if lp.GetValue() == "+Inf" {
					sawInf = true
				}
				le, err := strconv.ParseFloat(lp.GetValue(), 64)
				if err != nil {
					t.Fatalf("bad le label %q: %v", lp.GetValue(), err)
				}
				buckets = append(buckets, bucket{le: le, v: m.GetCounter().GetValue()})
			}
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].le < buckets[j].le })

	var last float64
	for _, b := range buckets {
		if b.v < last {
			t.Errorf("dial bucket counter not cumulative: %v < %v", b.v, last)
		}
		last = b.v
	}
	if !sawInf {
		t.Error("expected one bucket with le=\"+Inf\"")
	}
	if last != 2 {
		t.Errorf("final cumulative bucket: got %v, want 2", last)
	}
}
