package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid query")
)

// QueryService provides read-only access to the projection tables. Every
// response carries as_of_sequence, the last sequence the projections have
// applied.
type QueryService struct {
	db      *sql.DB
	history *projection.LiquidationHistory
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, history *projection.LiquidationHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, history: history, metrics: metrics}
}

// GetPosition returns one position by ID.
func (qs *QueryService) GetPosition(ctx context.Context, id uuid.UUID) (resp *PositionResponse, err error) {
	defer qs.observe("GetPosition")(&err)

	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PositionResponse{AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT position_id, owner, collateral::TEXT, debt::TEXT, stake::TEXT,
		       status, last_op, sequence, updated_at
		FROM projection.positions
		WHERE position_id = $1
	`, id).Scan(&p.PositionID, &p.Owner, &p.Collateral, &p.Debt, &p.Stake,
		&p.Status, &p.LastOp, &p.Sequence, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositionsByOwner returns an owner's positions, active ones only
// unless includeClosed is set.
func (qs *QueryService) ListPositionsByOwner(ctx context.Context, owner uuid.UUID, includeClosed bool) (resp []PositionResponse, err error) {
	defer qs.observe("ListPositionsByOwner")(&err)

	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT position_id, owner, collateral::TEXT, debt::TEXT, stake::TEXT,
		       status, last_op, sequence, updated_at
		FROM projection.positions
		WHERE owner = $1`
	if !includeClosed {
		query += ` AND status = 'Active'`
	}
	query += ` ORDER BY sequence ASC`

	rows, err := qs.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]PositionResponse, 0)
	for rows.Next() {
		p := PositionResponse{AsOfSequence: asOf}
		if err := rows.Scan(&p.PositionID, &p.Owner, &p.Collateral, &p.Debt, &p.Stake,
			&p.Status, &p.LastOp, &p.Sequence, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetDeposit returns a depositor's stability pool entry.
func (qs *QueryService) GetDeposit(ctx context.Context, depositor uuid.UUID) (resp *DepositResponse, err error) {
	defer qs.observe("GetDeposit")(&err)

	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	d := DepositResponse{AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT depositor, amount::TEXT, last_gain::TEXT, p::TEXT, s::TEXT, epoch, scale, sequence
		FROM projection.deposits
		WHERE depositor = $1
	`, depositor).Scan(&d.Depositor, &d.Amount, &d.LastGain, &d.P, &d.S, &d.Epoch, &d.Scale, &d.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit of %s", ErrNotFound, depositor)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetSystem returns the protocol globals.
func (qs *QueryService) GetSystem(ctx context.Context) (resp *SystemResponse, err error) {
	defer qs.observe("GetSystem")(&err)

	var (
		s                SystemResponse
		price, tcr, mode sql.NullString
		poolP, poolS     sql.NullString
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT price::TEXT, tcr::TEXT, mode, l_collateral::TEXT, l_debt::TEXT, total_stakes::TEXT,
		       pool_p::TEXT, pool_s::TEXT, pool_epoch, pool_scale,
		       pool_total_deposits::TEXT, pool_coll_balance::TEXT
		FROM projection.system
		WHERE id = 1
	`).Scan(&price, &tcr, &mode, &s.LCollateral, &s.LDebt, &s.TotalStakes,
		&poolP, &poolS, &s.CurrentEpoch, &s.CurrentScale,
		&s.TotalDeposits, &s.CollBalance)
	if err != nil {
		return nil, err
	}
	s.Price, s.TCR, s.Mode = price.String, tcr.String, mode.String
	s.P, s.S = poolP.String, poolS.String

	if s.AsOfSequence, err = qs.watermark(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListLiquidations pages through liquidations newest first. owner narrows
// to one owner; beforeSequence is the cursor from the previous page.
func (qs *QueryService) ListLiquidations(
	ctx context.Context,
	owner *uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp []LiquidationResponse, err error) {
	defer qs.observe("ListLiquidations")(&err)

	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit %d out of range (1..1000)", ErrInvalidQuery, limit)
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, position_id, owner, liquidator, mode, absorption, icr::TEXT,
		       coll_before::TEXT, debt_before::TEXT, gas_compensation::TEXT, debt_offset::TEXT,
		       coll_to_pool::TEXT, debt_redistributed::TEXT, coll_redistributed::TEXT, liquidated_at
		FROM projection.liquidations
		WHERE TRUE`
	args := []any{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, position_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LiquidationResponse, 0)
	for rows.Next() {
		l := LiquidationResponse{AsOfSequence: asOf}
		if err := rows.Scan(&l.Sequence, &l.PositionID, &l.Owner, &l.Liquidator, &l.Mode, &l.Absorption, &l.ICR,
			&l.CollBefore, &l.DebtBefore, &l.GasCompensation, &l.DebtOffset,
			&l.CollToPool, &l.DebtRedistributed, &l.CollRedistributed, &l.LiquidatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecentLiquidations answers from the in-memory history: the newest
// liquidations of owner since the process started.
func (qs *QueryService) RecentLiquidations(owner uuid.UUID, limit int) []LiquidationResponse {
	if qs.history == nil {
		return nil
	}
	entries := qs.history.QueryByOwner(owner, limit)
	out := make([]LiquidationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LiquidationResponse{
			Sequence:        e.Sequence,
			PositionID:      e.PositionID,
			Owner:           e.Owner,
			Liquidator:      e.Liquidator,
			Mode:            e.Mode,
			Absorption:      e.Absorption,
			CollBefore:      decimal(e.CollBefore),
			DebtBefore:      decimal(e.DebtBefore),
			GasCompensation: decimal(e.GasCompensation),
			LiquidatedAt:    e.Timestamp,
			AsOfSequence:    e.Sequence,
		})
	}
	return out
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// GetJournalHistory returns journal entries touching a user's accounts.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) (resp []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory")(&err)

	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit %d out of range (1..1000)", ErrInvalidQuery, limit)
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash-chain linkage in the event log and that every
// asset's projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (resp *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity")(&err)

	report := &IntegrityReport{}
	if report.AsOfSequence, err = qs.watermark(ctx); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::TEXT
		FROM projection.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	seq, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}

// observe records request count and latency; call as
// defer qs.observe("Name")(&err).
func (qs *QueryService) observe(endpoint string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		if qs.metrics == nil {
			return
		}
		status := "ok"
		switch {
		case *errp == nil:
		case errors.Is(*errp, ErrNotFound):
			status = "not_found"
		case errors.Is(*errp, ErrInvalidQuery):
			status = "invalid"
		default:
			status = "error"
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
