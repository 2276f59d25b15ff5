// Persistence wiring for the Alt-Service Registry's §6 persisted half.
// Grounded on the teacher's internal/state engine.go MarkNodeStatic/
// MarkNodeDynamic dirty-notify pattern (cmd/resin/main.go's newFlushReaders
// closures reading current state back out of the in-memory pool by key) —
// here the key is the entry fingerprint instead of a node hash.
package altsvc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/state"
)

// DirtyNotifier marks persisted rows dirty for the next CacheFlushWorker
// cycle. *state.StateEngine satisfies this directly.
type DirtyNotifier interface {
	MarkEntry(fingerprint string)
	MarkEntryDelete(fingerprint string)
	MarkBrokenness(fingerprint string)
}

// SetDirtyNotifier wires a persistence sink. Leave unset for an
// in-memory-only registry (spec §3: "brokenness marks are in-memory unless
// a persistence sink is wired").
func (r *Registry) SetDirtyNotifier(n DirtyNotifier) {
	r.mu.Lock()
	r.dirty = n
	r.mu.Unlock()
}

// Fingerprint identifies this entry's persisted row (spec §6's
// entry_fingerprint): origin, target, and protocol tag together determine
// identity, since a single origin can advertise more than one alternative.
func (e *Entry) Fingerprint() string {
	return fmt.Sprintf("%s:%d>%s:%d/%s", e.Origin.Host, e.Origin.Port,
		e.Service.Target.Host, e.Service.Target.Port, e.Service.ProtocolTag)
}

// ToEntryRow converts e to its persisted row form.
func (e *Entry) ToEntryRow() state.AltServiceEntryRow {
	versions := make([]string, 0, len(e.Versions))
	for v := range e.Versions {
		versions = append(versions, v)
	}
	versionsJSON, _ := json.Marshal(versions)
	return state.AltServiceEntryRow{
		Fingerprint:      e.Fingerprint(),
		OriginHost:       e.Origin.Host,
		OriginPort:       e.Origin.Port,
		Proto:            e.Service.ProtocolTag,
		TargetHost:       e.Service.Target.Host,
		TargetPort:       e.Service.Target.Port,
		ExpirationUnixNs: e.Expiration.UnixNano(),
		VersionsJSON:     string(versionsJSON),
		InsertedAtUnixNs: e.insertedAt.UnixNano(),
	}
}

// ToBrokennessRow converts e's current brokenness counters to their
// persisted row form.
func (e *Entry) ToBrokennessRow() state.AltServiceBrokennessRow {
	return state.AltServiceBrokennessRow{
		Fingerprint:         e.Fingerprint(),
		BrokenUntilUnixNs:   e.brokenUntil.Load(),
		BrokenCount:         e.brokenCount.Load(),
		RecentlyBrokenCount: e.recentlyBrokenCount.Load(),
	}
}

// FindByFingerprint scans every origin's entries for the one matching fp.
// Used by the CacheFlushWorker's CacheReaders to read current values back
// out of the registry at flush time.
func (r *Registry) FindByFingerprint(fp string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.Fingerprint() == fp {
				return e
			}
		}
	}
	return nil
}

// LoadSnapshot rehydrates a registry from persisted rows at startup (the
// counterpart of the teacher's bootstrapNodes). Entries already expired by
// wall-clock are skipped; brokenness rows with no matching entry row are
// ignored since there is nothing left to attach them to.
func (r *Registry) LoadSnapshot(entryRows []state.AltServiceEntryRow, brokenRows []state.AltServiceBrokennessRow) {
	brokenByFingerprint := make(map[string]state.AltServiceBrokennessRow, len(brokenRows))
	for _, b := range brokenRows {
		brokenByFingerprint[b.Fingerprint] = b
	}

	now := time.Now()
	byOrigin := make(map[endpoint.Hash][]*Entry)
	for _, row := range entryRows {
		expiration := time.Unix(0, row.ExpirationUnixNs)
		if !expiration.IsZero() && now.After(expiration) {
			continue
		}
		var versionList []string
		_ = json.Unmarshal([]byte(row.VersionsJSON), &versionList)
		versionSet := make(map[string]struct{}, len(versionList))
		for _, v := range versionList {
			versionSet[v] = struct{}{}
		}

		origin := endpoint.Origin{Host: row.OriginHost, Port: row.OriginPort}
		e := &Entry{
			Origin: origin,
			Service: AdvertisedService{
				Target:      endpoint.Endpoint{Host: row.TargetHost, Port: row.TargetPort},
				ProtocolTag: row.Proto,
			},
			Versions:   versionSet,
			Expiration: expiration,
			insertedAt: time.Unix(0, row.InsertedAtUnixNs),
		}
		if b, ok := brokenByFingerprint[row.Fingerprint]; ok {
			e.brokenUntil.Store(b.BrokenUntilUnixNs)
			e.brokenCount.Store(b.BrokenCount)
			e.recentlyBrokenCount.Store(b.RecentlyBrokenCount)
		}

		hash := endpoint.HashOrigin(origin)
		byOrigin[hash] = append(byOrigin[hash], e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, entries := range byOrigin {
		for _, e := range entries {
			e.onBrokennessChange = r.brokennessChanged
		}
		r.entries[hash] = entries
	}
}
