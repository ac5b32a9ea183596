package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateBatchFunding checks, before anything is applied, that no user
// wallet or system account debited by the batch would go negative.
func (v *InvariantValidator) ValidateBatchFunding(batch *Batch) error {
	outflow := make(map[AccountKey]*uint256.Int)
	inflow := make(map[AccountKey]*uint256.Int)

	for _, j := range batch.Journals {
		add(inflow, j.DebitAccount, j.Amount)
		if j.CreditAccount.Scope != AccountScopeExternal {
			add(outflow, j.CreditAccount, j.Amount)
		}
	}

	for key, out := range outflow {
		have := v.tracker.GetBalance(key)
		if in, ok := inflow[key]; ok {
			have.Add(have, in.ToBig())
		}
		if have.Cmp(out.ToBig()) < 0 {
			return fmt.Errorf("account %s would go negative: have=%s, out=%s",
				key.AccountPath(), have.String(), out.Dec())
		}
	}

	return nil
}

func add(m map[AccountKey]*uint256.Int, key AccountKey, amount *uint256.Int) {
	if cur, ok := m[key]; ok {
		m[key] = new(uint256.Int).Add(cur, amount)
		return
	}
	m[key] = amount.Clone()
}

// ValidateWalletNonNegative checks both wallets of a user
func (v *InvariantValidator) ValidateWalletNonNegative(userID uuid.UUID) error {
	for _, asset := range []AssetID{AssetCollateral, AssetDebt} {
		if err := v.tracker.ValidateNonNegative(WalletKey(userID, asset)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSystemBalance checks that a system account matches the amount the
// accounting engine believes it holds.
func (v *InvariantValidator) ValidateSystemBalance(subType AccountSubType, assetID AssetID, expected *uint256.Int) error {
	key := NewSystemAccountKey(subType, assetID)
	balance := v.tracker.GetBalance(key)
	if balance.Cmp(expected.ToBig()) != 0 {
		return fmt.Errorf("account %s holds %s, engine expects %s",
			key.AccountPath(), balance.String(), expected.Dec())
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total.String())
		}
	}

	return nil
}
