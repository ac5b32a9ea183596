package state

import (
	"bytes"
	"sort"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// ownerEntry keys the owner index by (owner, open sequence) so one owner's
// positions enumerate in the order they were opened.
type ownerEntry struct {
	owner   uuid.UUID
	openSeq int64
	id      uuid.UUID
}

func ownerEntryLess(a, b ownerEntry) bool {
	if c := bytes.Compare(a.owner[:], b.owner[:]); c != 0 {
		return c < 0
	}
	return a.openSeq < b.openSeq
}

// ownerIndex is the owner -> positions secondary index. It never affects
// the primary NICR ordering.
type ownerIndex struct {
	tree    *btree.BTreeG[ownerEntry]
	journal *undoLog
}

func newOwnerIndex(journal *undoLog) *ownerIndex {
	return &ownerIndex{
		tree:    btree.NewG(16, ownerEntryLess),
		journal: journal,
	}
}

func (oi *ownerIndex) add(owner uuid.UUID, openSeq int64, id uuid.UUID) {
	e := ownerEntry{owner: owner, openSeq: openSeq, id: id}
	oi.journal.record(func() { oi.tree.Delete(e) })
	oi.tree.ReplaceOrInsert(e)
}

func (oi *ownerIndex) remove(owner uuid.UUID, openSeq int64, id uuid.UUID) {
	e := ownerEntry{owner: owner, openSeq: openSeq, id: id}
	if _, ok := oi.tree.Delete(e); ok {
		oi.journal.record(func() { oi.tree.ReplaceOrInsert(e) })
	}
}

// positionsOf lists the owner's active positions in open order.
func (oi *ownerIndex) positionsOf(owner uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	oi.tree.AscendGreaterOrEqual(ownerEntry{owner: owner, openSeq: -1 << 63}, func(e ownerEntry) bool {
		if e.owner != owner {
			return false
		}
		ids = append(ids, e.id)
		return true
	})
	return ids
}

func (oi *ownerIndex) len() int {
	return oi.tree.Len()
}

func sortByOpenSeq(positions []Position) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenSeq < positions[j].OpenSeq
	})
}
