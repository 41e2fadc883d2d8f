package journal

// Journal records undo operations for speculative mutations so a unit of work
// spanning several components can be reverted as a whole. Snapshot identifiers
// are journal lengths. Snapshots nest; the undo log is dropped once the
// outermost open snapshot is discarded.
//
// Journal is not safe for concurrent use; owners guard it with their own lock.
type Journal struct {
	entries []func()
	open    int
}

// Append records an undo operation. Outside an open snapshot nothing is
// recorded because nothing can be reverted.
func (j *Journal) Append(undo func()) {
	if j.open == 0 || undo == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot opens a snapshot and returns its identifier.
func (j *Journal) Snapshot() int {
	j.open++
	return len(j.entries)
}

// Revert undoes every entry recorded after the snapshot, newest first, and
// closes the snapshot.
func (j *Journal) Revert(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	if id < len(j.entries) {
		j.entries = j.entries[:id]
	}
	j.close()
}

// Discard closes the snapshot keeping its mutations.
func (j *Journal) Discard(int) {
	j.close()
}

// Open reports the number of snapshots currently open.
func (j *Journal) Open() int { return j.open }

func (j *Journal) close() {
	if j.open > 0 {
		j.open--
	}
	if j.open == 0 {
		j.entries = j.entries[:0]
	}
}
