package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CDPLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceResponse is a wallet balance from the balances projection.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	AccountPath  string    `json:"account_path"`
	Balance      string    `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// GetBalance returns a user's wallet balance in asset (COLL or DEBT).
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("GetBalance")(&err)

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidQuery, asset)
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	path := ledger.WalletKey(userID, assetID).AccountPath()
	balance, err := qs.projectedBalance(ctx, path)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Asset:        asset,
		AccountPath:  path,
		Balance:      balance,
		AsOfSequence: asOf,
	}, nil
}

func (qs *QueryService) projectedBalance(ctx context.Context, accountPath string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projection.balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "0", nil
	}
	return balance, err
}
