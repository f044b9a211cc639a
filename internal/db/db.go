// Package db implements the per-task blob store shared by the collective
// engine and the direct-modex handler: one generation-tagged blob per
// global task id across the step, written either by this node's own
// local contribution during a fence round or cached from a direct-modex
// response fetched from whichever node owns the task.
package db

import (
	"sync"

	"github.com/pmixstepd/coll/internal/errs"
)

type entry struct {
	blob    []byte
	gen     uint32
	updated bool
}

// DB holds one blob entry per global task id in the step. It is safe for
// concurrent use: the event loop and the data-exchange callback path both
// touch it.
type DB struct {
	mu      sync.Mutex
	entries []entry
	gen     uint32
}

// New creates a DB with one entry for each of nTasks global task ids.
func New(nTasks int) *DB {
	return &DB{entries: make([]entry, nTasks)}
}

// UpdateInit begins a new collection round: every task is marked as not
// yet reported and the generation counter advances. Blobs from the
// previous round remain readable by GetBlob until overwritten by AddBlob
// so in-flight direct-modex reads never observe a half-updated round.
func (d *DB) UpdateInit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	for i := range d.entries {
		d.entries[i].updated = false
	}
}

// UpdateVerify panics if any local task has not reported a blob for the
// current round. This is a programming invariant, not a runtime
// condition: the caller must not invoke it before every local task has
// had a chance to contribute.
func (d *DB) UpdateVerify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		errs.Invariant("DB_UPDATE_VERIFY", e.updated,
			"task has not reported a blob for this round")
		_ = i
	}
}

// AddBlob stores blob for taskID in the current round. It panics if
// taskID is out of range or has already reported in this round.
func (d *DB) AddBlob(taskID int, blob []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs.Invariant("DB_ADD_BLOB", taskID >= 0 && taskID < len(d.entries),
		"task id out of range")
	e := &d.entries[taskID]
	errs.Invariant("DB_ADD_BLOB", !e.updated, "task already reported this round")
	e.blob = blob
	e.gen = d.gen
	e.updated = true
}

// GetBlob returns the most recently stored blob for taskID along with
// the generation it was stored under. ok is false if taskID has never
// reported a blob.
func (d *DB) GetBlob(taskID int) (blob []byte, gen uint32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs.Invariant("DB_GET_BLOB", taskID >= 0 && taskID < len(d.entries),
		"task id out of range")
	e := d.entries[taskID]
	if e.blob == nil {
		return nil, 0, false
	}
	return e.blob, e.gen, true
}

// StoreRemote records a blob fetched from a peer node via direct modex.
// Unlike AddBlob it does not participate in this round's local
// contribution accounting: it neither requires nor sets the update flag
// UpdateVerify checks, since the blob did not come from this node's own
// fence contribution. A response older than what's already stored is
// dropped rather than overwriting a fresher value.
func (d *DB) StoreRemote(taskID int, blob []byte, gen uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs.Invariant("DB_STORE_REMOTE", taskID >= 0 && taskID < len(d.entries),
		"task id out of range")
	e := &d.entries[taskID]
	if e.blob != nil && gen < e.gen {
		return
	}
	e.blob = blob
	e.gen = gen
}

// Generation returns the current collection round's generation counter.
func (d *DB) Generation() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Fresh reports whether a blob stored under gen is from the current
// round or later. Used by the direct-modex handler to decide whether a
// stored blob satisfies a request for the latest data (spec's
// freshness rule, resolved against this DB's own round counter, which
// UpdateInit advances, rather than the collective engine's seq).
func (d *DB) Fresh(gen uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen >= d.gen
}
