package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeActivePool         // collateral backing active positions
	SubTypeDefaultPool        // redistributed collateral not yet pulled by positions
	SubTypeStabilityPool      // debt tokens deposited by depositors
	SubTypeStabilityPoolGains // collateral gains owed to depositors

	// External sub-types
	SubTypeExternalDeposits // collateral entering / leaving the system
	SubTypeExternalMint     // debt token mint/burn counterparty
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetCollateral AssetID = 1
	AssetDebt       AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"COLL": AssetCollateral,
		"DEBT": AssetDebt,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "COLL",
		AssetDebt:       "DEBT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(subTypeName(subType)))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// WalletKey is shorthand for a user's wallet in one asset.
func WalletKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeWallet, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), subTypeName(k.SubType), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", subTypeName(k.SubType), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", subTypeName(k.SubType), assetName)
	}
	return "unknown"
}

func subTypeName(s AccountSubType) string {
	switch s {
	case SubTypeWallet:
		return "wallet"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeDefaultPool:
		return "default_pool"
	case SubTypeStabilityPool:
		return "stability_pool"
	case SubTypeStabilityPoolGains:
		return "stability_pool_gains"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalMint:
		return "mint"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. It reports false for
// paths it does not recognise.
func ParseAccountPath(path string) (AccountKey, bool) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, false
		}
		sub, ok := parseSubType(parts[2])
		asset, ok2 := GetAssetID(parts[3])
		if !ok || !ok2 {
			return AccountKey{}, false
		}
		return NewUserAccountKey(uid, sub, asset), true

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		sub, ok := parseSubType(parts[1])
		asset, ok2 := GetAssetID(parts[2])
		if !ok || !ok2 {
			return AccountKey{}, false
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(sub, asset), true
		}
		return NewExternalAccountKey(sub, asset), true
	}
	return AccountKey{}, false
}

func parseSubType(name string) (AccountSubType, bool) {
	for s := SubTypeWallet; s <= SubTypeExternalMint; s++ {
		if subTypeName(s) == name {
			return s, true
		}
	}
	return 0, false
}
