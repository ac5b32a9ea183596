package projection

import (
	"testing"
	"time"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projections(plan []Statement) []string {
	out := make([]string, 0, len(plan))
	for _, stmt := range plan {
		out = append(out, stmt.Projection)
	}
	return out
}

func liquidationOutput(seq int64, owner uuid.UUID) ProjectionOutput {
	d := fpmath.MustParseDecimal
	return ProjectionOutput{
		Sequence:  seq,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Records: []event.Emitted{
			&event.PositionLiquidated{
				PositionID:        uuid.New(),
				Owner:             owner,
				Liquidator:        uuid.New(),
				Mode:              "Normal",
				ICR:               d("1.05"),
				CollBefore:        d("15"),
				DebtBefore:        d("2000"),
				GasCompensation:   d("0.075"),
				DebtOffset:        d("2000"),
				CollToPool:        d("14.925"),
				DebtRedistributed: fpmath.Zero(),
				CollRedistributed: fpmath.Zero(),
				Absorption:        event.AbsorptionOffset,
			},
			&event.LiquidationSummary{},
			&event.StabilityPoolUpdated{P: d("0.333"), S: d("1"), TotalDeposits: d("1000"), CollBalance: d("14.925")},
			&event.RedistributionUpdated{},
		},
		Journals: []JournalEntry{
			{DebitAccount: "user:a:wallet:COLL", CreditAccount: "system:active_pool:COLL", AssetID: 1, Amount: "75000000000000000"},
		},
	}
}

func TestPlan_Liquidation(t *testing.T) {
	plan := Plan(liquidationOutput(7, uuid.New()))

	assert.Equal(t, []string{
		"positions", "liquidations", "system", "system",
		"balances", "balances",
		"watermark",
	}, projections(plan))

	liq := plan[1]
	assert.Equal(t, int64(7), liq.Args[0])
	assert.Equal(t, "offset", liq.Args[5])
	assert.Equal(t, "2000000000000000000000", liq.Args[8])

	// Debit adds, credit subtracts.
	assert.Equal(t, "75000000000000000", plan[4].Args[2])
	assert.Equal(t, "-75000000000000000", plan[5].Args[2])

	assert.Equal(t, []any{watermarkName, int64(7)}, plan[len(plan)-1].Args)
}

func TestPlan_RejectedOnlyAdvancesWatermark(t *testing.T) {
	output := liquidationOutput(3, uuid.New())
	output.Rejected = true

	plan := Plan(output)
	require.Len(t, plan, 1)
	assert.Equal(t, "watermark", plan[0].Projection)
}

func TestPlan_PositionAndDeposit(t *testing.T) {
	d := fpmath.MustParseDecimal
	owner := uuid.New()
	plan := Plan(ProjectionOutput{
		Sequence: 2,
		Records: []event.Emitted{
			&event.PositionUpdated{
				PositionID: uuid.New(), Owner: owner, Operation: "open",
				CollBefore: fpmath.Zero(), DebtBefore: fpmath.Zero(),
				CollAfter: d("15"), DebtAfter: d("2000"), StakeAfter: d("15"),
				Status: "Active",
			},
			&event.DepositUpdated{Depositor: owner, Operation: "provide", Before: fpmath.Zero(), After: d("3000")},
			&event.PriceUpdated{Price: d("200"), TCR: d("4"), Mode: "Normal"},
		},
	})

	assert.Equal(t, []string{"positions", "deposits", "system", "watermark"}, projections(plan))
	assert.Equal(t, "Active", plan[0].Args[5])
	assert.Equal(t, "open", plan[0].Args[6])
	assert.Equal(t, "3000000000000000000000", plan[1].Args[1])
	// Nil gain renders as zero.
	assert.Equal(t, "0", plan[1].Args[2])
	assert.Equal(t, "Normal", plan[2].Args[2])
}

func TestLiquidationHistory_QueryByOwner(t *testing.T) {
	h := NewLiquidationHistory(2)
	alice, bob := uuid.New(), uuid.New()

	h.Record(liquidationOutput(1, alice))
	h.Record(liquidationOutput(2, bob))
	h.Record(liquidationOutput(3, alice))

	rejected := liquidationOutput(4, alice)
	rejected.Rejected = true
	h.Record(rejected)

	assert.Equal(t, 2, h.Len())

	// Sequence 1 was evicted.
	got := h.QueryByOwner(alice, 10)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Sequence)
	assert.Equal(t, "offset", got[0].Absorption)

	assert.Len(t, h.QueryByOwner(bob, 10), 1)
	assert.Empty(t, h.QueryByOwner(uuid.New(), 10))
}
