package projection

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/state"

	"github.com/holiman/uint256"
)

// Statement is one projection write.
type Statement struct {
	Projection string // positions, deposits, liquidations, system, balances, watermark
	Query      string
	Args       []any
}

// Plan turns one output into the ordered writes that project it. A
// rejected command only advances the watermark.
func Plan(output ProjectionOutput) []Statement {
	var plan []Statement
	if !output.Rejected {
		for _, rec := range output.Records {
			plan = append(plan, planRecord(output, rec)...)
		}
		for _, j := range output.Journals {
			plan = append(plan, planJournal(output.Sequence, j)...)
		}
	}
	return append(plan, Statement{
		Projection: "watermark",
		Query: `INSERT INTO projection.watermark (projection_name, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()`,
		Args: []any{watermarkName, output.Sequence},
	})
}

func planRecord(output ProjectionOutput, rec event.Emitted) []Statement {
	seq, ts := output.Sequence, output.Timestamp

	switch r := rec.(type) {
	case *event.PositionUpdated:
		return []Statement{{
			Projection: "positions",
			Query: `INSERT INTO projection.positions
				(position_id, owner, collateral, debt, stake, status, last_op, sequence, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (position_id) DO UPDATE SET
					collateral = $3, debt = $4, stake = $5, status = $6,
					last_op = $7, sequence = $8, updated_at = $9`,
			Args: []any{r.PositionID, r.Owner, dec(r.CollAfter), dec(r.DebtAfter), dec(r.StakeAfter),
				r.Status, r.Operation, seq, ts},
		}}

	case *event.PositionLiquidated:
		return []Statement{
			{
				Projection: "positions",
				Query: `UPDATE projection.positions
					SET collateral = 0, debt = 0, stake = 0, status = $2,
					    last_op = 'liquidate', sequence = $3, updated_at = $4
					WHERE position_id = $1`,
				Args: []any{r.PositionID, state.StatusClosedByLiquidation.String(), seq, ts},
			},
			{
				Projection: "liquidations",
				Query: `INSERT INTO projection.liquidations
					(sequence, position_id, owner, liquidator, mode, absorption, icr,
					 coll_before, debt_before, gas_compensation, debt_offset, coll_to_pool,
					 debt_redistributed, coll_redistributed, liquidated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
					ON CONFLICT (sequence, position_id) DO NOTHING`,
				Args: []any{seq, r.PositionID, r.Owner, r.Liquidator, r.Mode, string(r.Absorption), dec(r.ICR),
					dec(r.CollBefore), dec(r.DebtBefore), dec(r.GasCompensation), dec(r.DebtOffset),
					dec(r.CollToPool), dec(r.DebtRedistributed), dec(r.CollRedistributed), ts},
			},
		}

	case *event.RedistributionUpdated:
		return []Statement{{
			Projection: "system",
			Query: `UPDATE projection.system
				SET l_collateral = $1, l_debt = $2, total_stakes = $3, sequence = $4
				WHERE id = 1`,
			Args: []any{dec(r.LCollateral), dec(r.LDebt), dec(r.TotalStakes), seq},
		}}

	case *event.StabilityPoolUpdated:
		return []Statement{{
			Projection: "system",
			Query: `UPDATE projection.system
				SET pool_p = $1, pool_s = $2, pool_epoch = $3, pool_scale = $4,
				    pool_total_deposits = $5, pool_coll_balance = $6, sequence = $7
				WHERE id = 1`,
			Args: []any{dec(r.P), dec(r.S), int64(r.Epoch), int64(r.Scale),
				dec(r.TotalDeposits), dec(r.CollBalance), seq},
		}}

	case *event.DepositUpdated:
		return []Statement{{
			Projection: "deposits",
			Query: `INSERT INTO projection.deposits
				(depositor, amount, last_gain, p, s, epoch, scale, sequence, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (depositor) DO UPDATE SET
					amount = $2, last_gain = $3, p = $4, s = $5, epoch = $6, scale = $7,
					sequence = $8, updated_at = $9`,
			Args: []any{r.Depositor, dec(r.After), dec(r.CollGain), dec(r.P), dec(r.S),
				int64(r.Epoch), int64(r.Scale), seq, ts},
		}}

	case *event.PriceUpdated:
		return []Statement{{
			Projection: "system",
			Query: `UPDATE projection.system
				SET price = $1, tcr = $2, mode = $3, sequence = $4
				WHERE id = 1`,
			Args: []any{dec(r.Price), dec(r.TCR), r.Mode, seq},
		}}
	}

	// LiquidationSummary repeats the per-position records.
	return nil
}

// planJournal moves one journal leg into the balances table. Debits
// increase the debit account, credits decrease the credit account.
func planJournal(seq int64, j JournalEntry) []Statement {
	const upsert = `INSERT INTO projection.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path) DO UPDATE
		SET balance = projection.balances.balance + $3::NUMERIC, last_sequence = $4`
	return []Statement{
		{Projection: "balances", Query: upsert, Args: []any{j.DebitAccount, j.AssetID, j.Amount, seq}},
		{Projection: "balances", Query: upsert, Args: []any{j.CreditAccount, j.AssetID, "-" + j.Amount, seq}},
	}
}

// dec renders a fixed-point value for a NUMERIC column. nil maps to zero.
func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
