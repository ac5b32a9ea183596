package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed:
// external boundary accounts go negative as value enters the system.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) entry(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	debit := bt.entry(j.DebitAccount)
	debit.Add(debit, amount)
	credit := bt.entry(j.CreditAccount)
	credit.Sub(credit, amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetBalance overwrites a balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

// unsigned clamps a balance into uint256; negative balances read as zero.
func unsigned(b *big.Int) *uint256.Int {
	if b.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}

// DebtBalanceOf returns the debt-token balance of a wallet.
func (bt *BalanceTracker) DebtBalanceOf(who uuid.UUID) *uint256.Int {
	return unsigned(bt.GetBalance(WalletKey(who, AssetDebt)))
}

// CollateralBalanceOf returns the free collateral held in a wallet.
func (bt *BalanceTracker) CollateralBalanceOf(who uuid.UUID) *uint256.Int {
	return unsigned(bt.GetBalance(WalletKey(who, AssetCollateral)))
}

// DebtTokenSupply is the outstanding minted supply.
func (bt *BalanceTracker) DebtTokenSupply() *uint256.Int {
	mint := bt.GetBalance(NewExternalAccountKey(SubTypeExternalMint, AssetDebt))
	return unsigned(mint.Neg(mint))
}

// SystemBalance returns a system account balance as an unsigned amount.
func (bt *BalanceTracker) SystemBalance(subType AccountSubType, assetID AssetID) *uint256.Int {
	return unsigned(bt.GetBalance(NewSystemAccountKey(subType, assetID)))
}

// === Invariant Checks ===

// ValidateSufficient checks that an account holds at least required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *uint256.Int) error {
	balance := bt.GetBalance(key)
	if balance.Cmp(required.ToBig()) < 0 {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s",
			key.AccountPath(), balance.String(), required.Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(big.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance.String())
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// SortedKeys returns every known account ordered by AccountPath.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
