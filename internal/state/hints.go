package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407
)

// ApproxHint samples numTrials active positions through a deterministic
// pseudo-random walk over the active-ID array and returns the one whose
// index key is closest to nicr. The tail is always considered. The returned
// seed continues the walk on a follow-up call.
func (s *System) ApproxHint(nicr *uint256.Int, numTrials int, seed uint64) (hint uuid.UUID, diff *uint256.Int, nextSeed uint64) {
	count := s.positions.ActiveCount()
	if count == 0 {
		return uuid.Nil, nil, seed
	}

	hint = s.index.Last()
	diff = absDiff(s.index.NICR(hint), nicr)

	for i := 0; i < numTrials; i++ {
		seed = seed*lcgMultiplier + lcgIncrement
		id := s.positions.ActiveIDAt(int((seed >> 33) % uint64(count)))
		if d := absDiff(s.index.NICR(id), nicr); d.Lt(diff) {
			hint, diff = id, d
		}
	}
	return hint, diff, seed
}

// FindHints turns an approximate hint into an exact (upper, lower) pair.
func (s *System) FindHints(nicr *uint256.Int, numTrials int, seed uint64) (upper, lower uuid.UUID) {
	hint, _, _ := s.ApproxHint(nicr, numTrials, seed)
	return s.index.FindInsertPosition(nicr, hint, hint)
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}
