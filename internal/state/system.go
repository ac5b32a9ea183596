package state

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Balances is the read side of the token ledger. Operations check it
// before committing; the ledger itself is only written after commit.
type Balances interface {
	DebtBalanceOf(who uuid.UUID) *uint256.Int
	CollateralBalanceOf(who uuid.UUID) *uint256.Int
}

// Mode is the system-wide operating mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeRecovery
)

func (m Mode) String() string {
	if m == ModeRecovery {
		return "recovery"
	}
	return "normal"
}

// Outcome is everything a committed operation produced: the records to
// emit and the token movements the ledger must apply afterwards.
type Outcome struct {
	PositionID uuid.UUID
	Events     []event.Emitted
	Transfers  []ledger.Transfer
}

func (o *Outcome) emit(e event.Emitted) {
	o.Events = append(o.Events, e)
}

func (o *Outcome) transfer(kind ledger.TransferKind, account uuid.UUID, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	o.Transfers = append(o.Transfers, ledger.Transfer{Kind: kind, Account: account, Amount: amount.Clone()})
}

// System is the ledger context every operation runs against. It owns the
// five accounting components and the active/default aggregates, and shares
// one undo journal between them so a failed operation leaves no trace.
type System struct {
	params Params

	journal   *undoLog
	positions *PositionLedger
	index     *SortedPositionIndex
	owners    *ownerIndex
	rewards   *RedistributionAccumulator
	pool      *StabilityPoolLedger

	// Active: stored balances of open positions. Default: redistributed
	// value not yet pulled into a position.
	activeColl  *uint256.Int
	activeDebt  *uint256.Int
	defaultColl *uint256.Int
	defaultDebt *uint256.Int

	balances Balances
	feed     PriceFeed
}

func NewSystem(params Params, balances Balances, feed PriceFeed) *System {
	journal := &undoLog{}
	return &System{
		params:      params,
		journal:     journal,
		positions:   newPositionLedger(journal),
		index:       newSortedPositionIndex(params.IndexCapacity, journal),
		owners:      newOwnerIndex(journal),
		rewards:     newRedistributionAccumulator(journal),
		pool:        newStabilityPoolLedger(journal),
		activeColl:  fpmath.Zero(),
		activeDebt:  fpmath.Zero(),
		defaultColl: fpmath.Zero(),
		defaultDebt: fpmath.Zero(),
		balances:    balances,
		feed:        feed,
	}
}

func (s *System) Params() Params                       { return s.params }
func (s *System) Positions() *PositionLedger           { return s.positions }
func (s *System) Index() *SortedPositionIndex          { return s.index }
func (s *System) Rewards() *RedistributionAccumulator  { return s.rewards }
func (s *System) Pool() *StabilityPoolLedger           { return s.pool }
func (s *System) TotalStakes() *uint256.Int            { return s.positions.TotalStakes() }
func (s *System) LCollateral() *uint256.Int            { return s.rewards.LCollateral() }
func (s *System) LDebt() *uint256.Int                  { return s.rewards.LDebt() }
func (s *System) P() *uint256.Int                      { return s.pool.P() }
func (s *System) CurrentScale() uint64                 { return s.pool.CurrentScale() }
func (s *System) CurrentEpoch() uint64                 { return s.pool.CurrentEpoch() }
func (s *System) ActiveCollateral() *uint256.Int       { return s.activeColl.Clone() }
func (s *System) ActiveDebt() *uint256.Int             { return s.activeDebt.Clone() }
func (s *System) DefaultCollateral() *uint256.Int      { return s.defaultColl.Clone() }
func (s *System) DefaultDebt() *uint256.Int            { return s.defaultDebt.Clone() }

// PositionsOfOwner lists the owner's active positions in open order.
func (s *System) PositionsOfOwner(owner uuid.UUID) []uuid.UUID {
	return s.owners.positionsOf(owner)
}

// atomically runs fn with the journal open and rolls every component back
// if fn fails.
func (s *System) atomically(fn func(out *Outcome) error) (Outcome, error) {
	s.journal.begin()
	var out Outcome
	if err := fn(&out); err != nil {
		s.journal.rollback()
		return Outcome{}, err
	}
	s.journal.commit()
	return out, nil
}

// Price is the last good oracle price.
func (s *System) Price() (*uint256.Int, error) { return s.price() }

func (s *System) price() (*uint256.Int, error) {
	if s.feed == nil {
		return nil, ErrNoPrice
	}
	p, err := s.feed.GetPrice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	return p, nil
}

// EntireSystemColl is active plus default collateral.
func (s *System) EntireSystemColl() *uint256.Int {
	return new(uint256.Int).Add(s.activeColl, s.defaultColl)
}

// EntireSystemDebt is active plus default debt.
func (s *System) EntireSystemDebt() *uint256.Int {
	return new(uint256.Int).Add(s.activeDebt, s.defaultDebt)
}

// TCR returns the total collateralization ratio at price.
func (s *System) TCR(price *uint256.Int) (*uint256.Int, error) {
	tcr, err := fpmath.ComputeTCR(s.EntireSystemColl(), s.EntireSystemDebt(), price)
	if err != nil {
		return nil, fmt.Errorf("%w: TCR: %v", ErrInvariantViolation, err)
	}
	return tcr, nil
}

// ModeAt classifies the system at price.
func (s *System) ModeAt(price *uint256.Int) (Mode, *uint256.Int, error) {
	tcr, err := s.TCR(price)
	if err != nil {
		return ModeNormal, nil, err
	}
	if tcr.Lt(s.params.CCR) {
		return ModeRecovery, tcr, nil
	}
	return ModeNormal, tcr, nil
}

// newTCR is the TCR after the given changes to system collateral and debt.
func (s *System) newTCR(price, collIn, collOut, debtIn, debtOut *uint256.Int) (*uint256.Int, error) {
	coll := new(uint256.Int).Add(s.EntireSystemColl(), collIn)
	debt := new(uint256.Int).Add(s.EntireSystemDebt(), debtIn)

	coll, err := fpmath.Sub(coll, collOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	debt, err = fpmath.Sub(debt, debtOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	tcr, err := fpmath.ComputeTCR(coll, debt, price)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return tcr, nil
}

// EntireDebtAndColl returns the position's stored balances plus pending
// redistribution rewards, without applying them.
func (s *System) EntireDebtAndColl(id uuid.UUID) (coll, debt, pendingColl, pendingDebt *uint256.Int, err error) {
	pos, err := s.positions.active(id)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pendingColl, pendingDebt, err = s.rewards.Pending(id, pos.Stake)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pendingColl = fpmath.Min(pendingColl, s.defaultColl)
	pendingDebt = fpmath.Min(pendingDebt, s.defaultDebt)

	coll = new(uint256.Int).Add(pos.Collateral, pendingColl)
	debt = new(uint256.Int).Add(pos.Debt, pendingDebt)
	return coll, debt, pendingColl, pendingDebt, nil
}

// CurrentICR is the ICR of the position's entire collateral and debt.
func (s *System) CurrentICR(id uuid.UUID, price *uint256.Int) (*uint256.Int, error) {
	coll, debt, _, _, err := s.EntireDebtAndColl(id)
	if err != nil {
		return nil, err
	}
	icr, err := fpmath.ComputeICR(coll, debt, price)
	if err != nil {
		return nil, fmt.Errorf("%w: ICR: %v", ErrInvariantViolation, err)
	}
	return icr, nil
}

// applyPendingRewards pulls id's share of redistributed value from the
// default aggregates into its stored balances and refreshes its snapshot.
// A second call with no liquidation in between is a no-op.
func (s *System) applyPendingRewards(out *Outcome, id uuid.UUID) error {
	pos, err := s.positions.active(id)
	if err != nil {
		return err
	}

	coll, debt, pendingColl, pendingDebt, err := s.EntireDebtAndColl(id)
	if err != nil {
		return err
	}

	if !pendingColl.IsZero() || !pendingDebt.IsZero() {
		if err := s.positions.SetBalances(id, coll, debt); err != nil {
			return err
		}
		s.moveDefaultToActive(pendingColl, pendingDebt)
		out.transfer(ledger.TransferRewardPull, pos.Owner, pendingColl)
	}

	s.rewards.UpdateSnapshot(id)
	return nil
}

// --- aggregates (journaled) ---

func (s *System) setAggregates(activeColl, activeDebt, defaultColl, defaultDebt *uint256.Int) {
	oac, oad, odc, odd := s.activeColl, s.activeDebt, s.defaultColl, s.defaultDebt
	s.journal.record(func() {
		s.activeColl, s.activeDebt, s.defaultColl, s.defaultDebt = oac, oad, odc, odd
	})
	s.activeColl, s.activeDebt, s.defaultColl, s.defaultDebt = activeColl, activeDebt, defaultColl, defaultDebt
}

// moveDefaultToActive is only called with amounts clamped to the default
// aggregates, so the subtraction cannot underflow.
func (s *System) moveDefaultToActive(coll, debt *uint256.Int) {
	s.setAggregates(
		new(uint256.Int).Add(s.activeColl, coll),
		new(uint256.Int).Add(s.activeDebt, debt),
		new(uint256.Int).Sub(s.defaultColl, coll),
		new(uint256.Int).Sub(s.defaultDebt, debt),
	)
}

func (s *System) increaseActive(coll, debt *uint256.Int) {
	s.setAggregates(
		new(uint256.Int).Add(s.activeColl, coll),
		new(uint256.Int).Add(s.activeDebt, debt),
		s.defaultColl,
		s.defaultDebt,
	)
}

func (s *System) decreaseActive(coll, debt *uint256.Int) error {
	ac, err := fpmath.Sub(s.activeColl, coll)
	if err != nil {
		return fmt.Errorf("%w: active collateral: %v", ErrInvariantViolation, err)
	}
	ad, err := fpmath.Sub(s.activeDebt, debt)
	if err != nil {
		return fmt.Errorf("%w: active debt: %v", ErrInvariantViolation, err)
	}
	s.setAggregates(ac, ad, s.defaultColl, s.defaultDebt)
	return nil
}

// positionEvent builds a PositionUpdated record for the current state of id.
func (s *System) positionEvent(op string, id uuid.UUID, collBefore, debtBefore *uint256.Int) *event.PositionUpdated {
	pos, _ := s.positions.Get(id)
	return &event.PositionUpdated{
		PositionID: id,
		Owner:      pos.Owner,
		Operation:  op,
		CollBefore: collBefore.Clone(),
		DebtBefore: debtBefore.Clone(),
		CollAfter:  pos.Collateral.Clone(),
		DebtAfter:  pos.Debt.Clone(),
		StakeAfter: pos.Stake.Clone(),
		Status:     pos.Status.String(),
	}
}

func (s *System) poolEvent() *event.StabilityPoolUpdated {
	return &event.StabilityPoolUpdated{
		P:             s.pool.P(),
		S:             s.pool.CurrentSum(),
		Epoch:         s.pool.CurrentEpoch(),
		Scale:         s.pool.CurrentScale(),
		TotalDeposits: s.pool.TotalDeposits(),
		CollBalance:   s.pool.CollBalance(),
	}
}

func (s *System) depositEvent(op string, depositor uuid.UUID, change DepositChange) *event.DepositUpdated {
	return &event.DepositUpdated{
		Depositor: depositor,
		Operation: op,
		Before:    change.Before.Clone(),
		After:     change.After.Clone(),
		CollGain:  change.CollGain.Clone(),
		P:         s.pool.P(),
		S:         s.pool.CurrentSum(),
		Epoch:     s.pool.CurrentEpoch(),
		Scale:     s.pool.CurrentScale(),
	}
}

// UpdatePrice reports the system state seen at a newly accepted price.
func (s *System) UpdatePrice() (Outcome, error) {
	price, err := s.price()
	if err != nil {
		return Outcome{}, err
	}
	mode, tcr, err := s.ModeAt(price)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	out.emit(&event.PriceUpdated{Price: price, TCR: tcr, Mode: mode.String()})
	return out, nil
}

// CreditCollateral records external collateral arriving in a wallet. It
// touches no accounting component.
func (s *System) CreditCollateral(account uuid.UUID, amount *uint256.Int) (Outcome, error) {
	if account == uuid.Nil {
		return Outcome{}, fmt.Errorf("%w: nil account", ErrInvalidArgument)
	}
	if amount == nil || amount.IsZero() {
		return Outcome{}, fmt.Errorf("%w: zero collateral credit", ErrInvalidArgument)
	}
	var out Outcome
	out.transfer(ledger.TransferCollateralCredit, account, amount)
	return out, nil
}
