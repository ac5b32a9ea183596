package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrRejected wraps the protocol error of a command that was logged but
// left state untouched.
var ErrRejected = errors.New("command rejected")

// Config tunes a DeterministicCore.
type Config struct {
	StartSequence          int64
	Params                 state.Params
	LRUCapacity            int
	InvariantCheckInterval int64 // Full O(n) state checks every N sequences; 0 disables
}

// DeterministicCore is the single writer over protocol state and the
// ledger. Commands are applied one at a time; readers share mu.
type DeterministicCore struct {
	procMu sync.Mutex   // Serializes ProcessEvent so outputs leave in sequence order
	mu     sync.RWMutex // Guards everything below

	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	feed              *state.LastGoodPrice
	system            *state.System
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	checkInterval     int64
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one logged command: its envelope, the journals it
// produced and the records it emitted.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Emitted  []event.Emitted
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	if err := state.ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}

	idempotencyChecker, err := NewIdempotencyChecker(cfg.LRUCapacity, dbChecker)
	if err != nil {
		return nil, err
	}

	balanceTracker := ledger.NewBalanceTracker()
	feed := state.NewLastGoodPrice()

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(cfg.StartSequence),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		feed:              feed,
		system:            state.NewSystem(cfg.Params, balanceTracker, feed),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		checkInterval:     cfg.InvariantCheckInterval,
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent applies one command and emits its output. Duplicates and
// stale prices return nil and emit nothing. A rejected command is still
// logged and its error comes back wrapped in ErrRejected.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	output, err := c.apply(evt, false)
	if output != nil {
		c.emit(*output)
	}
	return err
}

// ReplayEvent re-applies a logged command during recovery and checks the
// recomputed hash against the logged one. Nothing is emitted. The log
// holds each key once, so the dedup tiers are bypassed.
func (c *DeterministicCore) ReplayEvent(evt event.Event, sequence int64, expected [32]byte) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	if current := c.GetSequence(); sequence != current {
		return fmt.Errorf("replay out of step: log at %d, core at %d", sequence, current)
	}

	output, err := c.apply(evt, true)
	if output == nil {
		return fmt.Errorf("replay of sequence %d produced no envelope: %v", sequence, err)
	}
	if output.Envelope.StateHash != expected {
		return fmt.Errorf("state hash mismatch at sequence %d: logged %x, replayed %x",
			sequence, expected, output.Envelope.StateHash)
	}
	return nil
}

func (c *DeterministicCore) apply(evt event.Event, replay bool) (*CoreOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	payload, err := event.EncodeCommand(evt)
	if err != nil {
		c.reject(eventType, "encode")
		return nil, fmt.Errorf("encode command: %w", err)
	}

	// Step 1: idempotency (two-tier)
	isDuplicate := !replay && c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: source sequence. Price gaps are tolerated, stale prices dropped.
	partition := evt.Partition()
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if isDuplicate || !c.sequenceValidator.ValidatePriceSequence(priceEvt.PriceSequence) {
			c.reject(eventType, "stale_price")
			return nil, nil
		}
	} else {
		expected := c.sequenceValidator.GetExpectedSequence(partition)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			c.reject(eventType, "sequence")
			c.recordSequenceError(partition, expected, evt.SourceSequence())
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil, nil
	}

	// Step 3: dispatch. State commits or rolls back as a unit.
	outcome, dispatchErr := c.dispatch(evt)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      evt.EventTime().UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		PrevHash:       c.hasher.GetPrevHash(),
	}
	output := &CoreOutput{Envelope: envelope}

	// Step 4: ledger, strictly after the state commit.
	var digest []byte
	if dispatchErr != nil {
		envelope.Rejection = dispatchErr.Error()
	} else {
		batch := c.applyTransfers(idempotencyKey, envelope.Timestamp.UnixMicro(), outcome.Transfers)

		emitted, err := event.EncodeEmitted(outcome.Events)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode emitted records at sequence %d: %v", c.sequence, err))
		}
		envelope.Emitted = emitted
		output.Batch = batch
		output.Emitted = outcome.Events
		digest = c.computeStateDigest(batch, emitted)

		if err := c.postCheckInvariants(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", c.sequence, err))
		}
	}

	// Step 5: hash chain
	envelope.StateHash = c.hasher.ComputeHash(c.sequence, digest)

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.recordMetrics(eventType, start, output, dispatchErr)
	c.sequence++

	if dispatchErr != nil {
		c.logger.Debug().
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("class", state.ErrorClass(dispatchErr)).
			Err(dispatchErr).
			Msg("command rejected")
		return output, fmt.Errorf("%w: %s: %w", ErrRejected, eventType, dispatchErr)
	}
	return output, nil
}

func (c *DeterministicCore) dispatch(evt event.Event) (state.Outcome, error) {
	switch e := evt.(type) {
	case *event.OpenPosition:
		return c.system.OpenPosition(e.Caller, e.Collateral, e.Debt, e.Hints)
	case *event.AdjustPosition:
		return c.system.AdjustPosition(e.Caller, e.PositionID, state.AdjustRequest{
			CollTopUp:      e.CollTopUp,
			CollWithdrawal: e.CollWithdrawal,
			DebtChange:     e.DebtChange,
			IsDebtIncrease: e.IsDebtIncrease,
		}, e.Hints)
	case *event.ClosePosition:
		return c.system.ClosePosition(e.Caller, e.PositionID)
	case *event.Liquidate:
		return c.system.Liquidate(e.Caller, e.PositionID)
	case *event.LiquidateSequence:
		return c.system.LiquidateSequence(e.Caller, e.N)
	case *event.LiquidateSet:
		return c.system.LiquidateSet(e.Caller, e.PositionIDs)
	case *event.ProvideToPool:
		return c.system.ProvideToPool(e.Caller, e.Amount)
	case *event.WithdrawFromPool:
		return c.system.WithdrawFromPool(e.Caller, e.Amount)
	case *event.ClaimGainToPosition:
		return c.system.ClaimGainToPosition(e.Caller, e.PositionID, e.Hints)
	case *event.PriceUpdate:
		if _, err := c.feed.Set(e.Price, e.PriceSequence); err != nil {
			return state.Outcome{}, err
		}
		return c.system.UpdatePrice()
	case *event.CollateralCredit:
		return c.system.CreditCollateral(e.Account, e.Amount)
	default:
		return state.Outcome{}, fmt.Errorf("%w: unknown command type %T", state.ErrInvalidArgument, evt)
	}
}

// applyTransfers journals and applies the committed outcome's transfers.
// State is already committed, so any failure here is fatal.
func (c *DeterministicCore) applyTransfers(eventRef string, timestamp int64, transfers []ledger.Transfer) *ledger.Batch {
	batch, err := c.journalGen.GenerateBatch(eventRef, c.sequence, timestamp, transfers)
	if err != nil {
		panic(fmt.Sprintf("FATAL: generate batch: %v", err))
	}
	if len(batch.Journals) == 0 {
		return batch
	}

	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := c.validator.ValidateBatchFunding(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unfunded batch: %v", err))
	}
	if err := c.balanceTracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply batch: %v", err))
	}

	if c.metrics != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.Kind.String()).Inc()
		}
	}
	return batch
}

// emit hands an output to the workers. Persistence blocks (backpressure);
// projections drop on a full channel and catch up from the log.
func (c *DeterministicCore) emit(output CoreOutput) {
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}
}

// computeStateDigest is the emitted records followed by the new balance of
// every account the batch touched, in AccountPath order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, emitted []byte) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(emitted)+len(accounts)*96)
	digest = append(digest, emitted...)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = binary.AppendUvarint(digest, uint64(len(path)))
		digest = append(digest, path...)
		digest = appendBalance(digest, c.balanceTracker.GetBalance(key))
	}
	return digest
}

// appendBalance writes sign, magnitude length and big-endian magnitude.
func appendBalance(buf []byte, v *big.Int) []byte {
	buf = append(buf, byte(v.Sign()+1))
	mag := v.Bytes()
	buf = binary.AppendUvarint(buf, uint64(len(mag)))
	return append(buf, mag...)
}

// postCheckInvariants ties the ledger to the accounting engine after every
// applied command, and runs the full O(n) checks periodically.
func (c *DeterministicCore) postCheckInvariants() error {
	pool := c.system.Pool()
	checks := []struct {
		subType ledger.AccountSubType
		asset   ledger.AssetID
		want    *uint256.Int
	}{
		{ledger.SubTypeActivePool, ledger.AssetCollateral, c.system.ActiveCollateral()},
		{ledger.SubTypeDefaultPool, ledger.AssetCollateral, c.system.DefaultCollateral()},
		{ledger.SubTypeStabilityPool, ledger.AssetDebt, pool.TotalDeposits()},
		{ledger.SubTypeStabilityPoolGains, ledger.AssetCollateral, pool.CollBalance()},
	}
	for _, chk := range checks {
		if err := c.validator.ValidateSystemBalance(chk.subType, chk.asset, chk.want); err != nil {
			return fmt.Errorf("post-check: %w", err)
		}
	}

	supply, debt := c.balanceTracker.DebtTokenSupply(), c.system.EntireSystemDebt()
	if !supply.Eq(debt) {
		return fmt.Errorf("post-check: debt token supply %s != system debt %s", supply.Dec(), debt.Dec())
	}

	if c.checkInterval > 0 && c.sequence > 0 && c.sequence%c.checkInterval == 0 {
		if err := c.system.CheckInvariants(); err != nil {
			return fmt.Errorf("post-check: %w", err)
		}
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check: %w", err)
		}
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordSequenceError(partition string, expected, got int64) {
	if c.metrics == nil {
		return
	}
	kind := partitionKind(partition)
	if got > expected {
		c.metrics.EventSequenceGap.WithLabelValues(kind).Inc()
	} else {
		c.metrics.EventOutOfOrder.WithLabelValues(kind).Inc()
	}
}

// partitionKind drops the owner ID from "owner:<uuid>" for metric labels.
func partitionKind(partition string) string {
	kind, _, _ := strings.Cut(partition, ":")
	return kind
}

func (c *DeterministicCore) recordMetrics(eventType string, start time.Time, output *CoreOutput, rejected error) {
	m := c.metrics
	if m == nil {
		return
	}

	if rejected != nil {
		m.CoreCommandsRejected.WithLabelValues(eventType, state.ErrorClass(rejected)).Inc()
	} else {
		m.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	}
	m.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence + 1))
	m.DedupLRUSize.Set(float64(c.idempotency.Size()))

	for _, rec := range output.Emitted {
		switch r := rec.(type) {
		case *event.PositionLiquidated:
			m.Liquidations.WithLabelValues(r.Mode, string(r.Absorption)).Inc()
			m.GasCompensation.Add(toFloat(r.GasCompensation))
		case *event.PriceUpdated:
			m.LastPrice.Set(toFloat(r.Price))
			m.SystemTCR.Set(toFloat(r.TCR))
			if r.Mode == state.ModeRecovery.String() {
				m.RecoveryMode.Set(1)
			} else {
				m.RecoveryMode.Set(0)
			}
		case *event.StabilityPoolUpdated:
			m.PoolEpoch.Set(float64(r.Epoch))
			m.PoolScale.Set(float64(r.Scale))
		}
	}
	m.ActivePositions.Set(float64(c.system.Positions().ActiveCount()))
	m.PoolTotalDeposits.Set(toFloat(c.system.Pool().TotalDeposits()))
}

// toFloat converts a 1e18 fixed-point amount for gauges. Precision loss is fine here.
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), big.NewFloat(1e18)).Float64()
	return f
}

// --- Read access ---

// View runs fn under the read lock with the sequence of the last applied
// command. fn must not keep references to sys.
func (c *DeterministicCore) View(fn func(sys *state.System, asOf int64) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(c.system, c.sequence-1)
}

// Balances returns a wallet's collateral and debt-token balances.
func (c *DeterministicCore) Balances(account uuid.UUID) (coll, debt *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balanceTracker.CollateralBalanceOf(account), c.balanceTracker.DebtBalanceOf(account)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}
