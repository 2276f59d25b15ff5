package main

import (
	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/state"
)

// newFlushReaders builds the CacheReaders a CacheFlushWorker uses to read
// current in-memory values back out of registry at flush time. Grounded on
// cmd/resin/main.go's newFlushReaders, which does the same lookup-by-key
// dance against a GlobalNodePool instead of an Alt-Service Registry.
func newFlushReaders(registry *altsvc.Registry) state.CacheReaders {
	return state.CacheReaders{
		ReadEntry: func(fingerprint string) *state.AltServiceEntryRow {
			e := registry.FindByFingerprint(fingerprint)
			if e == nil {
				return nil
			}
			row := e.ToEntryRow()
			return &row
		},
		ReadBrokenness: func(fingerprint string) *state.AltServiceBrokennessRow {
			e := registry.FindByFingerprint(fingerprint)
			if e == nil {
				return nil
			}
			row := e.ToBrokennessRow()
			return &row
		},
	}
}
