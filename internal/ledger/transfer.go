package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TransferKind names an asset movement requested by the accounting engine.
// Each kind maps to exactly one debit/credit account pair.
type TransferKind int32

const (
	TransferCollateralCredit   TransferKind = iota // external -> user wallet
	TransferCollateralIn                           // user wallet -> active pool
	TransferCollateralOut                          // active pool -> user wallet
	TransferDebtMint                               // mint -> user wallet
	TransferDebtBurn                               // user wallet -> mint
	TransferGasCompensation                        // active pool -> liquidator wallet
	TransferRedistribution                         // active pool -> default pool
	TransferRewardPull                             // default pool -> active pool
	TransferPoolDeposit                            // user debt -> stability pool
	TransferPoolWithdraw                           // stability pool -> user debt
	TransferPoolOffsetBurn                         // stability pool -> mint
	TransferPoolCollGain                           // active pool -> pool gains
	TransferPoolGainPayout                         // pool gains -> user wallet
	TransferPoolGainToPosition                     // pool gains -> active pool
)

func (k TransferKind) String() string {
	switch k {
	case TransferCollateralCredit:
		return "CollateralCredit"
	case TransferCollateralIn:
		return "CollateralIn"
	case TransferCollateralOut:
		return "CollateralOut"
	case TransferDebtMint:
		return "DebtMint"
	case TransferDebtBurn:
		return "DebtBurn"
	case TransferGasCompensation:
		return "GasCompensation"
	case TransferRedistribution:
		return "Redistribution"
	case TransferRewardPull:
		return "RewardPull"
	case TransferPoolDeposit:
		return "PoolDeposit"
	case TransferPoolWithdraw:
		return "PoolWithdraw"
	case TransferPoolOffsetBurn:
		return "PoolOffsetBurn"
	case TransferPoolCollGain:
		return "PoolCollGain"
	case TransferPoolGainPayout:
		return "PoolGainPayout"
	case TransferPoolGainToPosition:
		return "PoolGainToPosition"
	default:
		return "Unknown"
	}
}

// Transfer is one requested movement. Account is the user side of the
// movement and is ignored by system-to-system kinds.
type Transfer struct {
	Kind    TransferKind
	Account uuid.UUID
	Amount  *uint256.Int
}

// accounts resolves the (debit, credit) pair and asset of a transfer.
func (t Transfer) accounts() (debit, credit AccountKey, asset AssetID) {
	coll, debt := AssetCollateral, AssetDebt

	switch t.Kind {
	case TransferCollateralCredit:
		return WalletKey(t.Account, coll), NewExternalAccountKey(SubTypeExternalDeposits, coll), coll
	case TransferCollateralIn:
		return NewSystemAccountKey(SubTypeActivePool, coll), WalletKey(t.Account, coll), coll
	case TransferCollateralOut, TransferGasCompensation:
		return WalletKey(t.Account, coll), NewSystemAccountKey(SubTypeActivePool, coll), coll
	case TransferDebtMint:
		return WalletKey(t.Account, debt), NewExternalAccountKey(SubTypeExternalMint, debt), debt
	case TransferDebtBurn:
		return NewExternalAccountKey(SubTypeExternalMint, debt), WalletKey(t.Account, debt), debt
	case TransferRedistribution:
		return NewSystemAccountKey(SubTypeDefaultPool, coll), NewSystemAccountKey(SubTypeActivePool, coll), coll
	case TransferRewardPull:
		return NewSystemAccountKey(SubTypeActivePool, coll), NewSystemAccountKey(SubTypeDefaultPool, coll), coll
	case TransferPoolDeposit:
		return NewSystemAccountKey(SubTypeStabilityPool, debt), WalletKey(t.Account, debt), debt
	case TransferPoolWithdraw:
		return WalletKey(t.Account, debt), NewSystemAccountKey(SubTypeStabilityPool, debt), debt
	case TransferPoolOffsetBurn:
		return NewExternalAccountKey(SubTypeExternalMint, debt), NewSystemAccountKey(SubTypeStabilityPool, debt), debt
	case TransferPoolCollGain:
		return NewSystemAccountKey(SubTypeStabilityPoolGains, coll), NewSystemAccountKey(SubTypeActivePool, coll), coll
	case TransferPoolGainPayout:
		return WalletKey(t.Account, coll), NewSystemAccountKey(SubTypeStabilityPoolGains, coll), coll
	case TransferPoolGainToPosition:
		return NewSystemAccountKey(SubTypeActivePool, coll), NewSystemAccountKey(SubTypeStabilityPoolGains, coll), coll
	}
	return AccountKey{}, AccountKey{}, 0
}
