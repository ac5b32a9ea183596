package state_test

import (
	"fmt"
	"testing"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func dec(s string) *uint256.Int {
	return fpmath.MustParseDecimal(s)
}

// requireApprox asserts |want - got| <= tol.
func requireApprox(t *testing.T, want, got, tol *uint256.Int, msg string) {
	t.Helper()
	var diff *uint256.Int
	if want.Gt(got) {
		diff = new(uint256.Int).Sub(want, got)
	} else {
		diff = new(uint256.Int).Sub(got, want)
	}
	require.Falsef(t, diff.Gt(tol), "%s: want %s, got %s (tolerance %s)",
		msg, fpmath.FormatDecimal(want), fpmath.FormatDecimal(got), fpmath.FormatDecimal(tol))
}

// harness drives a System the way the core does: operations commit state,
// then their transfers are journaled into a balance tracker.
type harness struct {
	t        *testing.T
	sys      *state.System
	feed     *state.LastGoodPrice
	tracker  *ledger.BalanceTracker
	gen      *ledger.JournalGenerator
	seq      int64
	priceSeq int64
}

func newHarness(t *testing.T, price string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		feed:    state.NewLastGoodPrice(),
		tracker: ledger.NewBalanceTracker(),
		gen:     ledger.NewJournalGenerator(0),
	}
	h.sys = state.NewSystem(state.DefaultParams(), h.tracker, h.feed)
	h.setPrice(price)
	return h
}

func (h *harness) setPrice(price string) {
	h.t.Helper()
	h.priceSeq++
	_, err := h.feed.Set(dec(price), h.priceSeq)
	require.NoError(h.t, err)
}

func (h *harness) commit(out state.Outcome, err error) state.Outcome {
	h.t.Helper()
	require.NoError(h.t, err)

	h.seq++
	batch, err := h.gen.GenerateBatch(fmt.Sprintf("test-%d", h.seq), h.seq, 0, out.Transfers)
	require.NoError(h.t, err)
	if len(batch.Journals) > 0 {
		require.NoError(h.t, h.tracker.ApplyBatch(batch))
	}

	require.NoError(h.t, h.sys.CheckInvariants())
	h.requireLedgerMatches()
	return out
}

// requireLedgerMatches ties the system aggregates to the token ledger.
func (h *harness) requireLedgerMatches() {
	h.t.Helper()
	tr, sys := h.tracker, h.sys
	require.Equal(h.t, sys.ActiveCollateral().Dec(), tr.SystemBalance(ledger.SubTypeActivePool, ledger.AssetCollateral).Dec(), "active pool")
	require.Equal(h.t, sys.DefaultCollateral().Dec(), tr.SystemBalance(ledger.SubTypeDefaultPool, ledger.AssetCollateral).Dec(), "default pool")
	require.Equal(h.t, sys.Pool().TotalDeposits().Dec(), tr.SystemBalance(ledger.SubTypeStabilityPool, ledger.AssetDebt).Dec(), "stability pool")
	require.Equal(h.t, sys.Pool().CollBalance().Dec(), tr.SystemBalance(ledger.SubTypeStabilityPoolGains, ledger.AssetCollateral).Dec(), "pool gains")
	require.Equal(h.t, sys.EntireSystemDebt().Dec(), tr.DebtTokenSupply().Dec(), "debt supply")
}

func (h *harness) open(owner uuid.UUID, coll, debt string) uuid.UUID {
	h.t.Helper()
	h.commit(h.sys.CreditCollateral(owner, dec(coll)))
	out := h.commit(h.sys.OpenPosition(owner, dec(coll), dec(debt), event.Hints{}))
	require.NotEqual(h.t, uuid.Nil, out.PositionID)
	return out.PositionID
}

func findLiquidated(t *testing.T, out state.Outcome, id uuid.UUID) *event.PositionLiquidated {
	t.Helper()
	for _, e := range out.Events {
		if pl, ok := e.(*event.PositionLiquidated); ok && pl.PositionID == id {
			return pl
		}
	}
	t.Fatalf("no PositionLiquidated record for %s", id)
	return nil
}
