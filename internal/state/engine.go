package state

import (
	"fmt"
	"log"
)

// CacheReaders provides callbacks for reading current in-memory values at
// flush time. If a reader returns nil for a key marked OpUpsert, the key is
// treated as a delete (the object was removed between mark and flush).
type CacheReaders struct {
	ReadEntry      func(fingerprint string) *AltServiceEntryRow
	ReadBrokenness func(fingerprint string) *AltServiceBrokennessRow
}

// StateEngine is the single write entry point for the Alt-Service Registry's
// persisted half. Writes are marked dirty in memory and batch-flushed to
// altsvc.db by a CacheFlushWorker.
type StateEngine struct {
	*Repo

	dirtyEntries    *DirtySet[string]
	dirtyBrokenness *DirtySet[string]
}

// newStateEngine creates a StateEngine backed by repo.
func newStateEngine(repo *Repo) *StateEngine {
	return &StateEngine{
		Repo:            repo,
		dirtyEntries:    NewDirtySet[string](),
		dirtyBrokenness: NewDirtySet[string](),
	}
}

func (e *StateEngine) MarkEntry(fingerprint string)       { e.dirtyEntries.MarkUpsert(fingerprint) }
func (e *StateEngine) MarkEntryDelete(fingerprint string) { e.dirtyEntries.MarkDelete(fingerprint) }

func (e *StateEngine) MarkBrokenness(fingerprint string) { e.dirtyBrokenness.MarkUpsert(fingerprint) }
func (e *StateEngine) MarkBrokennessDelete(fingerprint string) {
	e.dirtyBrokenness.MarkDelete(fingerprint)
}

// DirtyCount returns the total number of dirty entries across both sets.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyEntries.Len() + e.dirtyBrokenness.Len()
}

// classifyDirtySet splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the current
// in-memory value; a nil return is treated as a delete.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains both dirty sets, reads current values via readers,
// and batch-writes to altsvc.db in a single transaction.
// On failure, undrained entries are merged back.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drainedEntries := e.dirtyEntries.Drain()
	drainedBrokenness := e.dirtyBrokenness.Drain()

	remerge := func() {
		e.dirtyEntries.Merge(drainedEntries)
		e.dirtyBrokenness.Merge(drainedBrokenness)
	}

	upsertEntries, deleteEntries := classifyDirtySet(drainedEntries, readers.ReadEntry)
	upsertBrokenness, deleteBrokenness := classifyDirtySet(drainedBrokenness, readers.ReadBrokenness)

	if err := e.Repo.FlushTx(FlushOps{
		UpsertEntries:    upsertEntries,
		DeleteEntries:    deleteEntries,
		UpsertBrokenness: upsertBrokenness,
		DeleteBrokenness: deleteBrokenness,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: entries=%d, brokenness=%d", len(drainedEntries), len(drainedBrokenness))
	return nil
}
