package altsvc

import (
	"testing"
	"time"

	"github.com/resinat/tunnelcore/internal/endpoint"
)

func testOrigin() endpoint.Origin {
	return endpoint.Origin{Host: "example.org", Port: 443}
}

func TestSetThenGetReturnsUnexpired(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()

	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Scheme: endpoint.SchemeQUIC, Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), []string{"h3"})

	got := r.Get(origin)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Service.ProtocolTag != "h3" {
		t.Fatalf("got %q", got[0].Service.ProtocolTag)
	}
}

func TestGetExcludesExpired(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()

	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(-time.Second), nil)

	if got := r.Get(origin); len(got) != 0 {
		t.Fatalf("expected expired entry to be excluded, got %d", len(got))
	}
}

func TestMarkBrokenExcludesFromUsable(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()
	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), []string{"h3"})

	entries := r.Get(origin)
	entries[0].MarkBroken()

	usable := r.Usable(origin, []string{"h3"}, false)
	if len(usable) != 0 {
		t.Fatalf("expected broken entry to be filtered out, got %d", len(usable))
	}

	withBroken := r.Usable(origin, []string{"h3"}, true)
	if len(withBroken) != 1 {
		t.Fatalf("expected confirmation mode to surface the broken entry, got %d", len(withBroken))
	}
}

func TestUsableFiltersOnVersionIntersection(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()
	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), []string{"h3-29"})

	usable := r.Usable(origin, []string{"h3"}, false)
	if len(usable) != 0 {
		t.Fatalf("expected no version intersection, got %d usable", len(usable))
	}
}

func TestConfirmClearsBothMarks(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()
	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), nil)

	e := r.Get(origin)[0]
	e.MarkBroken()
	if !e.IsBroken() {
		t.Fatalf("expected entry to be broken")
	}
	e.Confirm()
	if e.IsBroken() {
		t.Fatalf("expected Confirm to clear broken_until")
	}
	if e.RecentlyBrokenCount() != 0 {
		t.Fatalf("expected Confirm to clear recently_broken_count")
	}
	if e.BrokenCount() != 1 {
		t.Fatalf("expected broken_count to persist across Confirm, got %d", e.BrokenCount())
	}
}

func TestOnDefaultNetworkChangedClearsBrokenUntilOnly(t *testing.T) {
	r := NewRegistry()
	origin := testOrigin()
	r.Set(origin, []AdvertisedService{
		{Target: endpoint.Endpoint{Host: "example.org", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), nil)

	e := r.Get(origin)[0]
	e.MarkBroken()

	r.OnDefaultNetworkChanged()

	if e.IsBroken() {
		t.Fatalf("expected broken_until cleared by network change")
	}
	if e.RecentlyBrokenCount() != 1 {
		t.Fatalf("expected recently_broken_count preserved, got %d", e.RecentlyBrokenCount())
	}
}

func TestMarkBrokenBackoffGrows(t *testing.T) {
	e := &Entry{}
	e.MarkBroken()
	first := e.BrokenUntil()
	e.brokenUntil.Store(0) // simulate elapsed, force re-check of growing duration
	e.MarkBroken()
	second := e.BrokenUntil()

	if !second.After(first) {
		t.Fatalf("expected second broken-until to reflect a larger backoff")
	}
}
