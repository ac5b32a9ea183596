package state

// undoLog records the inverse of every mutation made while an operation is
// in flight. Stored *uint256.Int values are never mutated in place, so an
// inverse only has to restore the previous pointer.
type undoLog struct {
	active  bool
	entries []func()
}

func (u *undoLog) record(inverse func()) {
	if u == nil || !u.active {
		return
	}
	u.entries = append(u.entries, inverse)
}

func (u *undoLog) begin() {
	u.active = true
	u.entries = u.entries[:0]
}

func (u *undoLog) commit() {
	u.active = false
	clear(u.entries)
	u.entries = u.entries[:0]
}

func (u *undoLog) rollback() {
	for i := len(u.entries) - 1; i >= 0; i-- {
		u.entries[i]()
	}
	u.commit()
}
