package state

import "fmt"

// Journal records undo closures for every mutation made to the shared
// in-memory state (token balances, market accounts, proxies, positions).
// An operation takes a snapshot before it starts and reverts to it on any
// failure, so a failed operation leaves no partial effect behind.
//
// A nil *Journal is valid and records nothing. A Journal is not safe for
// concurrent use; writers sharing one must be serialised by the caller.
type Journal struct {
	entries []func()
}

func NewJournal() *Journal {
	return &Journal{}
}

// Append records the closure that undoes a mutation just applied.
func (j *Journal) Append(undo func()) {
	if j == nil || undo == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot returns an id identifying the current journal position.
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// RevertToSnapshot undoes every mutation recorded after the snapshot, most
// recent first.
func (j *Journal) RevertToSnapshot(id int) {
	if j == nil {
		return
	}
	if id < 0 || id > len(j.entries) {
		panic(fmt.Sprintf("journal: invalid snapshot %d (len %d)", id, len(j.entries)))
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:id]
}

// Len returns the number of recorded mutations.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// Reset discards every recorded entry. Called once an outermost operation
// has committed.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	j.entries = j.entries[:0]
}

// Atomic runs fn and reverts every mutation it recorded if fn returns an
// error or panics. A panic is re-raised after the revert.
func (j *Journal) Atomic(fn func() error) (err error) {
	snap := j.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			j.RevertToSnapshot(snap)
			panic(r)
		}
		if err != nil {
			j.RevertToSnapshot(snap)
		}
	}()
	return fn()
}
