package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// indexNode is an arena slot. uuid.Nil marks the list ends.
type indexNode struct {
	prev uuid.UUID
	next uuid.UUID
	nicr *uint256.Int // Key at the last insert / re-insert
}

// SortedPositionIndex is a doubly linked list of position IDs ordered by
// NICR descending: head has the highest NICR, tail the lowest. Equal keys
// keep insertion order (a new node goes after every existing equal key).
type SortedPositionIndex struct {
	nodes   map[uuid.UUID]indexNode
	head    uuid.UUID
	tail    uuid.UUID
	maxSize int
	journal *undoLog
}

func NewSortedPositionIndex(maxSize int) *SortedPositionIndex {
	return newSortedPositionIndex(maxSize, &undoLog{})
}

func newSortedPositionIndex(maxSize int, journal *undoLog) *SortedPositionIndex {
	return &SortedPositionIndex{
		nodes:   make(map[uuid.UUID]indexNode),
		maxSize: maxSize,
		journal: journal,
	}
}

func (ix *SortedPositionIndex) Contains(id uuid.UUID) bool {
	_, ok := ix.nodes[id]
	return ok
}

func (ix *SortedPositionIndex) Size() int     { return len(ix.nodes) }
func (ix *SortedPositionIndex) MaxSize() int  { return ix.maxSize }
func (ix *SortedPositionIndex) IsEmpty() bool { return len(ix.nodes) == 0 }
func (ix *SortedPositionIndex) IsFull() bool  { return len(ix.nodes) >= ix.maxSize }

// First returns the highest-NICR ID, or uuid.Nil.
func (ix *SortedPositionIndex) First() uuid.UUID { return ix.head }

// Last returns the lowest-NICR ID, or uuid.Nil.
func (ix *SortedPositionIndex) Last() uuid.UUID { return ix.tail }

// Next returns the neighbour toward the tail, or uuid.Nil.
func (ix *SortedPositionIndex) Next(id uuid.UUID) uuid.UUID { return ix.nodes[id].next }

// Prev returns the neighbour toward the head, or uuid.Nil.
func (ix *SortedPositionIndex) Prev(id uuid.UUID) uuid.UUID { return ix.nodes[id].prev }

// NICR returns the stored key of id, or nil when absent.
func (ix *SortedPositionIndex) NICR(id uuid.UUID) *uint256.Int {
	n, ok := ix.nodes[id]
	if !ok {
		return nil
	}
	return n.nicr.Clone()
}

// IDs returns every ID head to tail.
func (ix *SortedPositionIndex) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ix.nodes))
	for id := ix.head; id != uuid.Nil; id = ix.nodes[id].next {
		ids = append(ids, id)
	}
	return ids
}

// --- arena writes (journaled) ---

func (ix *SortedPositionIndex) setNode(id uuid.UUID, n indexNode) {
	old, existed := ix.nodes[id]
	ix.journal.record(func() {
		if existed {
			ix.nodes[id] = old
		} else {
			delete(ix.nodes, id)
		}
	})
	ix.nodes[id] = n
}

func (ix *SortedPositionIndex) deleteNode(id uuid.UUID) {
	old := ix.nodes[id]
	ix.journal.record(func() { ix.nodes[id] = old })
	delete(ix.nodes, id)
}

func (ix *SortedPositionIndex) setPrev(id, prev uuid.UUID) {
	n := ix.nodes[id]
	n.prev = prev
	ix.setNode(id, n)
}

func (ix *SortedPositionIndex) setNext(id, next uuid.UUID) {
	n := ix.nodes[id]
	n.next = next
	ix.setNode(id, n)
}

func (ix *SortedPositionIndex) setEnds(head, tail uuid.UUID) {
	oldHead, oldTail := ix.head, ix.tail
	ix.journal.record(func() { ix.head, ix.tail = oldHead, oldTail })
	ix.head, ix.tail = head, tail
}

// --- ordering ---

// ValidInsertPosition reports whether nicr belongs between prevID and
// nextID: every node up to prevID has key >= nicr and nextID has key < nicr.
func (ix *SortedPositionIndex) ValidInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) bool {
	switch {
	case prevID == uuid.Nil && nextID == uuid.Nil:
		return len(ix.nodes) == 0
	case prevID == uuid.Nil:
		return ix.head == nextID && nicr.Gt(ix.nodes[nextID].nicr)
	case nextID == uuid.Nil:
		return ix.tail == prevID && !nicr.Gt(ix.nodes[prevID].nicr)
	default:
		p, okP := ix.nodes[prevID]
		n, okN := ix.nodes[nextID]
		return okP && okN && p.next == nextID && !nicr.Gt(p.nicr) && nicr.Gt(n.nicr)
	}
}

// descend walks toward the tail from start until nicr fits.
func (ix *SortedPositionIndex) descend(nicr *uint256.Int, start uuid.UUID) (uuid.UUID, uuid.UUID) {
	if ix.head == start && nicr.Gt(ix.nodes[start].nicr) {
		return uuid.Nil, start
	}

	prev := start
	next := ix.nodes[prev].next
	for prev != uuid.Nil && !ix.ValidInsertPosition(nicr, prev, next) {
		prev = ix.nodes[prev].next
		next = ix.nodes[prev].next
	}
	return prev, next
}

// ascend walks toward the head from start until nicr fits.
func (ix *SortedPositionIndex) ascend(nicr *uint256.Int, start uuid.UUID) (uuid.UUID, uuid.UUID) {
	if ix.tail == start && !nicr.Gt(ix.nodes[start].nicr) {
		return start, uuid.Nil
	}

	next := start
	prev := ix.nodes[next].prev
	for next != uuid.Nil && !ix.ValidInsertPosition(nicr, prev, next) {
		next = ix.nodes[next].prev
		prev = ix.nodes[next].prev
	}
	return prev, next
}

// FindInsertPosition resolves (prevID, nextID) hints into the exact slot for
// nicr. Hints that are absent or on the wrong side of nicr are discarded;
// with no usable hint the walk starts from the head. Read-only.
func (ix *SortedPositionIndex) FindInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) (uuid.UUID, uuid.UUID) {
	if prevID != uuid.Nil {
		if p, ok := ix.nodes[prevID]; !ok || nicr.Gt(p.nicr) {
			prevID = uuid.Nil
		}
	}
	if nextID != uuid.Nil {
		if n, ok := ix.nodes[nextID]; !ok || !nicr.Gt(n.nicr) {
			nextID = uuid.Nil
		}
	}

	switch {
	case len(ix.nodes) == 0:
		return uuid.Nil, uuid.Nil
	case prevID == uuid.Nil && nextID == uuid.Nil:
		return ix.descend(nicr, ix.head)
	case prevID == uuid.Nil:
		return ix.ascend(nicr, nextID)
	default:
		return ix.descend(nicr, prevID)
	}
}

// Insert links id with key nicr, using the hints as a starting point.
func (ix *SortedPositionIndex) Insert(id uuid.UUID, nicr *uint256.Int, prevHint, nextHint uuid.UUID) error {
	if ix.IsFull() {
		return fmt.Errorf("%w: sorted index is full (%d)", ErrInvalidArgument, ix.maxSize)
	}
	if ix.Contains(id) {
		return fmt.Errorf("%w: sorted index already contains %s", ErrInvalidState, id)
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: nil position id", ErrInvalidArgument)
	}
	if nicr == nil || nicr.IsZero() {
		return fmt.Errorf("%w: NICR must be positive", ErrInvalidArgument)
	}

	prev, next := prevHint, nextHint
	if !ix.ValidInsertPosition(nicr, prev, next) {
		prev, next = ix.FindInsertPosition(nicr, prev, next)
	}
	if !ix.ValidInsertPosition(nicr, prev, next) {
		return fmt.Errorf("%w: no consistent slot for %s", ErrInvariantViolation, id)
	}

	ix.setNode(id, indexNode{prev: prev, next: next, nicr: nicr.Clone()})

	head, tail := ix.head, ix.tail
	if prev == uuid.Nil {
		head = id
	} else {
		ix.setNext(prev, id)
	}
	if next == uuid.Nil {
		tail = id
	} else {
		ix.setPrev(next, id)
	}
	ix.setEnds(head, tail)

	return nil
}

// Remove unlinks one ID.
func (ix *SortedPositionIndex) Remove(id uuid.UUID) error {
	if !ix.Contains(id) {
		return fmt.Errorf("%w: sorted index does not contain %s", ErrInvalidState, id)
	}
	ix.unlink(id)
	return nil
}

func (ix *SortedPositionIndex) unlink(id uuid.UUID) {
	n := ix.nodes[id]
	head, tail := ix.head, ix.tail

	if n.prev == uuid.Nil {
		head = n.next
	} else {
		ix.setNext(n.prev, n.next)
	}
	if n.next == uuid.Nil {
		tail = n.prev
	} else {
		ix.setPrev(n.next, n.prev)
	}

	ix.setEnds(head, tail)
	ix.deleteNode(id)
}

// BatchRemove unlinks every ID in one pass. It refuses to empty the index
// and refuses unknown or repeated IDs.
func (ix *SortedPositionIndex) BatchRemove(ids []uuid.UUID) error {
	if len(ids) >= len(ix.nodes) {
		return fmt.Errorf("%w: batch remove of %d would empty index of %d",
			ErrInvariantViolation, len(ids), len(ix.nodes))
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate id %s in batch remove", ErrInvalidArgument, id)
		}
		if !ix.Contains(id) {
			return fmt.Errorf("%w: sorted index does not contain %s", ErrInvariantViolation, id)
		}
		seen[id] = struct{}{}
	}

	for _, id := range ids {
		ix.unlink(id)
	}
	return nil
}

// ReInsert moves id to the slot for newNICR.
func (ix *SortedPositionIndex) ReInsert(id uuid.UUID, newNICR *uint256.Int, prevHint, nextHint uuid.UUID) error {
	if !ix.Contains(id) {
		return fmt.Errorf("%w: sorted index does not contain %s", ErrInvalidState, id)
	}
	if newNICR == nil || newNICR.IsZero() {
		return fmt.Errorf("%w: NICR must be positive", ErrInvalidArgument)
	}

	ix.unlink(id)
	if prevHint == id {
		prevHint = uuid.Nil
	}
	if nextHint == id {
		nextHint = uuid.Nil
	}
	return ix.Insert(id, newNICR, prevHint, nextHint)
}

// CheckOrdering walks the list and verifies links and key order.
func (ix *SortedPositionIndex) CheckOrdering() error {
	count := 0
	prev := uuid.Nil
	for id := ix.head; id != uuid.Nil; id = ix.nodes[id].next {
		n, ok := ix.nodes[id]
		if !ok {
			return fmt.Errorf("%w: dangling link to %s", ErrInvariantViolation, id)
		}
		if n.prev != prev {
			return fmt.Errorf("%w: %s.prev = %s, want %s", ErrInvariantViolation, id, n.prev, prev)
		}
		if prev != uuid.Nil && n.nicr.Gt(ix.nodes[prev].nicr) {
			return fmt.Errorf("%w: NICR(%s) > NICR(%s)", ErrInvariantViolation, id, prev)
		}
		prev = id
		count++
		if count > len(ix.nodes) {
			return fmt.Errorf("%w: cycle in sorted index", ErrInvariantViolation)
		}
	}
	if prev != ix.tail {
		return fmt.Errorf("%w: tail is %s, walk ended at %s", ErrInvariantViolation, ix.tail, prev)
	}
	if count != len(ix.nodes) {
		return fmt.Errorf("%w: walked %d of %d nodes", ErrInvariantViolation, count, len(ix.nodes))
	}
	return nil
}
