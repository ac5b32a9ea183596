package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositSnapshot is the pool state a deposit was last resolved against.
type DepositSnapshot struct {
	P     *uint256.Int
	S     *uint256.Int
	Epoch uint64
	Scale uint64
}

// Deposit is a depositor's initial value plus the snapshot it compounds from.
type Deposit struct {
	Depositor    uuid.UUID
	InitialValue *uint256.Int
	Snapshot     DepositSnapshot
}

type epochScale struct {
	Epoch uint64
	Scale uint64
}

// DepositChange reports a resolved deposit before and after an operation.
type DepositChange struct {
	Before   *uint256.Int // Compounded value before the operation
	After    *uint256.Int
	CollGain *uint256.Int // Collateral gain paid out by the operation
	Moved    *uint256.Int // Amount provided or withdrawn
}

// StabilityPoolLedger tracks deposits through the product P and the
// per-(epoch, scale) gain sums S, so an offset is O(1) regardless of the
// number of depositors.
type StabilityPoolLedger struct {
	p             *uint256.Int
	currentEpoch  uint64
	currentScale  uint64
	sums          map[epochScale]*uint256.Int
	totalDeposits *uint256.Int
	collBalance   *uint256.Int // Collateral owed to depositors as gains

	lastCollError     *uint256.Int
	lastDebtLossError *uint256.Int

	deposits map[uuid.UUID]Deposit
	journal  *undoLog
}

func NewStabilityPoolLedger() *StabilityPoolLedger {
	return newStabilityPoolLedger(&undoLog{})
}

func newStabilityPoolLedger(journal *undoLog) *StabilityPoolLedger {
	return &StabilityPoolLedger{
		p:                 fpmath.Unit.Clone(),
		sums:              make(map[epochScale]*uint256.Int),
		totalDeposits:     fpmath.Zero(),
		collBalance:       fpmath.Zero(),
		lastCollError:     fpmath.Zero(),
		lastDebtLossError: fpmath.Zero(),
		deposits:          make(map[uuid.UUID]Deposit),
		journal:           journal,
	}
}

func (sp *StabilityPoolLedger) P() *uint256.Int             { return sp.p.Clone() }
func (sp *StabilityPoolLedger) CurrentEpoch() uint64        { return sp.currentEpoch }
func (sp *StabilityPoolLedger) CurrentScale() uint64        { return sp.currentScale }
func (sp *StabilityPoolLedger) TotalDeposits() *uint256.Int { return sp.totalDeposits.Clone() }
func (sp *StabilityPoolLedger) CollBalance() *uint256.Int   { return sp.collBalance.Clone() }

// Sum returns S for (epoch, scale); zero if never written.
func (sp *StabilityPoolLedger) Sum(epoch, scale uint64) *uint256.Int {
	if s, ok := sp.sums[epochScale{epoch, scale}]; ok {
		return s.Clone()
	}
	return fpmath.Zero()
}

// CurrentSum is S at the current epoch and scale.
func (sp *StabilityPoolLedger) CurrentSum() *uint256.Int {
	return sp.Sum(sp.currentEpoch, sp.currentScale)
}

// Deposit returns the stored deposit of depositor.
func (sp *StabilityPoolLedger) Deposit(depositor uuid.UUID) (Deposit, bool) {
	d, ok := sp.deposits[depositor]
	return d, ok
}

// CompoundedDeposit resolves depositor's current value against P.
func (sp *StabilityPoolLedger) CompoundedDeposit(depositor uuid.UUID) (*uint256.Int, error) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero(), nil
	}
	return sp.compounded(d)
}

func (sp *StabilityPoolLedger) compounded(d Deposit) (*uint256.Int, error) {
	snap := d.Snapshot
	if snap.Epoch < sp.currentEpoch {
		return fpmath.Zero(), nil
	}

	var (
		value *uint256.Int
		err   error
	)
	switch sp.currentScale - snap.Scale {
	case 0:
		value, err = fpmath.MulDiv(d.InitialValue, sp.p, snap.P, fpmath.RoundDown)
	case 1:
		value, err = fpmath.MulDiv(d.InitialValue, sp.p, snap.P, fpmath.RoundDown)
		if err == nil {
			value, err = fpmath.Div(value, fpmath.ScaleFactor, fpmath.RoundDown)
		}
	default:
		return fpmath.Zero(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: compounded deposit: %v", ErrInvariantViolation, err)
	}

	// Below one billionth of the initial value the remainder is rounding dust.
	dust, _ := fpmath.Div(d.InitialValue, fpmath.ScaleFactor, fpmath.RoundDown)
	if value.Lt(dust) {
		return fpmath.Zero(), nil
	}
	return value, nil
}

// CollGain resolves the collateral gain owed to depositor.
func (sp *StabilityPoolLedger) CollGain(depositor uuid.UUID) (*uint256.Int, error) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero(), nil
	}
	return sp.gain(d)
}

func (sp *StabilityPoolLedger) gain(d Deposit) (*uint256.Int, error) {
	snap := d.Snapshot
	if d.InitialValue.IsZero() {
		return fpmath.Zero(), nil
	}

	first, err := fpmath.Sub(sp.Sum(snap.Epoch, snap.Scale), snap.S)
	if err != nil {
		return nil, fmt.Errorf("%w: sum behind snapshot", ErrInvariantViolation)
	}
	second, _ := fpmath.Div(sp.Sum(snap.Epoch, snap.Scale+1), fpmath.ScaleFactor, fpmath.RoundDown)

	total, err := fpmath.Add(first, second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	// initial * ΔS / P_snapshot / 1e18
	v, err := fpmath.MulDiv(d.InitialValue, total, snap.P, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("%w: gain: %v", ErrInvariantViolation, err)
	}
	v, _ = fpmath.Div(v, fpmath.Unit, fpmath.RoundDown)
	return v, nil
}

// resolve returns the compounded value and gain of depositor and pays the
// gain out of collBalance.
func (sp *StabilityPoolLedger) resolve(depositor uuid.UUID) (compounded, gain *uint256.Int, err error) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero(), fpmath.Zero(), nil
	}
	if compounded, err = sp.compounded(d); err != nil {
		return nil, nil, err
	}
	if gain, err = sp.gain(d); err != nil {
		return nil, nil, err
	}

	// Rounding dust can leave the pool a few wei short of the last claimant.
	gain = fpmath.Min(gain, sp.collBalance)
	sp.setCollBalance(new(uint256.Int).Sub(sp.collBalance, gain))
	return compounded, gain, nil
}

// Provide resolves the depositor, adds amount and re-snapshots at the
// current (P, S, epoch, scale).
func (sp *StabilityPoolLedger) Provide(depositor uuid.UUID, amount *uint256.Int) (DepositChange, error) {
	if amount.IsZero() {
		return DepositChange{}, fmt.Errorf("%w: zero deposit", ErrInvalidArgument)
	}

	compounded, gain, err := sp.resolve(depositor)
	if err != nil {
		return DepositChange{}, err
	}

	newValue, err := fpmath.Add(compounded, amount)
	if err != nil {
		return DepositChange{}, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	total, err := fpmath.Add(sp.totalDeposits, amount)
	if err != nil {
		return DepositChange{}, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	sp.setTotalDeposits(total)
	sp.setDeposit(depositor, newValue)

	return DepositChange{Before: compounded, After: newValue, CollGain: gain, Moved: amount.Clone()}, nil
}

// Withdraw resolves the depositor and withdraws min(amount, compounded).
// A zero amount only pays out the gain.
func (sp *StabilityPoolLedger) Withdraw(depositor uuid.UUID, amount *uint256.Int) (DepositChange, error) {
	d, ok := sp.deposits[depositor]
	if !ok || d.InitialValue.IsZero() {
		return DepositChange{}, fmt.Errorf("%w: %s has no deposit", ErrInvalidState, depositor)
	}

	compounded, gain, err := sp.resolve(depositor)
	if err != nil {
		return DepositChange{}, err
	}

	withdrawn := fpmath.Min(amount, compounded)
	newValue := new(uint256.Int).Sub(compounded, withdrawn)

	total, err := fpmath.Sub(sp.totalDeposits, withdrawn)
	if err != nil {
		return DepositChange{}, fmt.Errorf("%w: pool total below deposit", ErrInvariantViolation)
	}

	sp.setTotalDeposits(total)
	sp.setDeposit(depositor, newValue)

	return DepositChange{Before: compounded, After: newValue, CollGain: gain, Moved: withdrawn}, nil
}

// ClaimGain pays out the gain and re-snapshots without moving the deposit.
func (sp *StabilityPoolLedger) ClaimGain(depositor uuid.UUID) (DepositChange, error) {
	d, ok := sp.deposits[depositor]
	if !ok || d.InitialValue.IsZero() {
		return DepositChange{}, fmt.Errorf("%w: %s has no deposit", ErrInvalidState, depositor)
	}

	compounded, gain, err := sp.resolve(depositor)
	if err != nil {
		return DepositChange{}, err
	}
	sp.setDeposit(depositor, compounded)

	return DepositChange{Before: compounded, After: compounded, CollGain: gain, Moved: fpmath.Zero()}, nil
}

// Offset absorbs debtToOffset of liquidated debt against the deposits and
// credits collToAdd as gain. Called only by the liquidation path.
func (sp *StabilityPoolLedger) Offset(debtToOffset, collToAdd *uint256.Int) error {
	if sp.totalDeposits.IsZero() || debtToOffset.IsZero() {
		return nil
	}
	if debtToOffset.Gt(sp.totalDeposits) {
		return fmt.Errorf("%w: offset %s exceeds deposits %s", ErrInvariantViolation,
			debtToOffset.Dec(), sp.totalDeposits.Dec())
	}

	gainPerUnit, lossPerUnit, err := sp.computeRewardsPerUnitStaked(collToAdd, debtToOffset)
	if err != nil {
		return err
	}
	if err := sp.updateRewardSumAndProduct(gainPerUnit, lossPerUnit); err != nil {
		return err
	}

	total := new(uint256.Int).Sub(sp.totalDeposits, debtToOffset)
	sp.setTotalDeposits(total)

	balance, err := fpmath.Add(sp.collBalance, collToAdd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	sp.setCollBalance(balance)
	return nil
}

// computeRewardsPerUnitStaked carries division remainders between offsets.
// The debt loss per unit is rounded up so depositors never over-claim.
func (sp *StabilityPoolLedger) computeRewardsPerUnitStaked(coll, debt *uint256.Int) (gainPerUnit, lossPerUnit *uint256.Int, err error) {
	total := sp.totalDeposits

	gainPerUnit, collErr, err := perUnit(coll, sp.lastCollError, total)
	if err != nil {
		return nil, nil, err
	}

	var debtLossErr *uint256.Int
	if debt.Eq(total) {
		lossPerUnit = fpmath.Unit.Clone()
		debtLossErr = fpmath.Zero()
	} else {
		scaled, err := fpmath.Mul(debt, fpmath.Unit)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		numerator, err := fpmath.Sub(scaled, sp.lastDebtLossError)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		q, _ := fpmath.Div(numerator, total, fpmath.RoundDown)
		lossPerUnit = new(uint256.Int).AddUint64(q, 1)
		debtLossErr = new(uint256.Int).Sub(new(uint256.Int).Mul(lossPerUnit, total), numerator)
	}

	if lossPerUnit.Gt(fpmath.Unit) {
		return nil, nil, fmt.Errorf("%w: loss per unit above 1", ErrInvariantViolation)
	}

	oldColl, oldDebt := sp.lastCollError, sp.lastDebtLossError
	sp.journal.record(func() { sp.lastCollError, sp.lastDebtLossError = oldColl, oldDebt })
	sp.lastCollError, sp.lastDebtLossError = collErr, debtLossErr

	return gainPerUnit, lossPerUnit, nil
}

// updateRewardSumAndProduct folds one offset into S and P, advancing the
// scale when P would drop below 1e9 and the epoch when the pool empties.
func (sp *StabilityPoolLedger) updateRewardSumAndProduct(gainPerUnit, lossPerUnit *uint256.Int) error {
	key := epochScale{sp.currentEpoch, sp.currentScale}

	marginalGain, err := fpmath.Mul(gainPerUnit, sp.p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	newS, err := fpmath.Add(sp.Sum(key.Epoch, key.Scale), marginalGain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	sp.setSum(key, newS)

	productFactor := new(uint256.Int).Sub(fpmath.Unit, lossPerUnit)

	var (
		newP     *uint256.Int
		epoch    = sp.currentEpoch
		scale    = sp.currentScale
		scaledUp *uint256.Int
	)

	switch {
	case productFactor.IsZero():
		epoch++
		scale = 0
		newP = fpmath.Unit.Clone()
	default:
		scaledUp, err = fpmath.MulDiv(sp.p, productFactor, fpmath.Unit, fpmath.RoundDown)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		if scaledUp.Lt(fpmath.ScaleFactor) {
			factor := new(uint256.Int).Mul(productFactor, fpmath.ScaleFactor)
			newP, err = fpmath.MulDiv(sp.p, factor, fpmath.Unit, fpmath.RoundDown)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
			}
			scale++
		} else {
			newP = scaledUp
		}
	}

	if newP.IsZero() {
		return fmt.Errorf("%w: P reached zero", ErrInvariantViolation)
	}

	oldP, oldEpoch, oldScale := sp.p, sp.currentEpoch, sp.currentScale
	sp.journal.record(func() {
		sp.p, sp.currentEpoch, sp.currentScale = oldP, oldEpoch, oldScale
	})
	sp.p, sp.currentEpoch, sp.currentScale = newP, epoch, scale
	return nil
}

// --- journaled writes ---

func (sp *StabilityPoolLedger) setDeposit(depositor uuid.UUID, value *uint256.Int) {
	old, existed := sp.deposits[depositor]
	sp.journal.record(func() {
		if existed {
			sp.deposits[depositor] = old
		} else {
			delete(sp.deposits, depositor)
		}
	})

	if value.IsZero() {
		delete(sp.deposits, depositor)
		return
	}
	sp.deposits[depositor] = Deposit{
		Depositor:    depositor,
		InitialValue: value.Clone(),
		Snapshot: DepositSnapshot{
			P:     sp.p.Clone(),
			S:     sp.CurrentSum(),
			Epoch: sp.currentEpoch,
			Scale: sp.currentScale,
		},
	}
}

func (sp *StabilityPoolLedger) setSum(key epochScale, s *uint256.Int) {
	old, existed := sp.sums[key]
	sp.journal.record(func() {
		if existed {
			sp.sums[key] = old
		} else {
			delete(sp.sums, key)
		}
	})
	sp.sums[key] = s
}

func (sp *StabilityPoolLedger) setTotalDeposits(v *uint256.Int) {
	old := sp.totalDeposits
	sp.journal.record(func() { sp.totalDeposits = old })
	sp.totalDeposits = v
}

func (sp *StabilityPoolLedger) setCollBalance(v *uint256.Int) {
	old := sp.collBalance
	sp.journal.record(func() { sp.collBalance = old })
	sp.collBalance = v
}
