package core_test

import (
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func dec(s string) *uint256.Int {
	return fpmath.MustParseDecimal(s)
}

func newTestCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(core.Config{
		Params:                 state.DefaultParams(),
		LRUCapacity:            1024,
		InvariantCheckInterval: 1,
	}, persistChan, projChan, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return c, persistChan
}

// script builds commands with per-partition source sequences and a
// monotonic versioned clock.
type script struct {
	seqs     map[string]int64
	priceSeq int64
	clock    int64
}

func newScript() *script {
	return &script{seqs: make(map[string]int64)}
}

func (s *script) next(partition string) int64 {
	n := s.seqs[partition]
	s.seqs[partition] = n + 1
	return n
}

func (s *script) ts() time.Time {
	s.clock++
	return time.UnixMicro(1_700_000_000_000_000 + s.clock).UTC()
}

func owner(id uuid.UUID) string { return "owner:" + id.String() }

func (s *script) credit(account uuid.UUID, amount string) *event.CollateralCredit {
	return &event.CollateralCredit{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    dec(amount),
		Sequence:  s.next(event.PartitionWallet),
		Timestamp: s.ts(),
	}
}

func (s *script) price(p string) *event.PriceUpdate {
	s.priceSeq++
	return &event.PriceUpdate{
		Price:          dec(p),
		PriceSequence:  s.priceSeq,
		PriceTimestamp: s.ts().UnixMicro(),
	}
}

func (s *script) open(caller uuid.UUID, coll, debt string) *event.OpenPosition {
	return &event.OpenPosition{
		CommandID:  uuid.New(),
		Caller:     caller,
		Collateral: dec(coll),
		Debt:       dec(debt),
		Sequence:   s.next(owner(caller)),
		Timestamp:  s.ts(),
	}
}

func (s *script) provide(caller uuid.UUID, amount string) *event.ProvideToPool {
	return &event.ProvideToPool{
		CommandID: uuid.New(),
		Caller:    caller,
		Amount:    dec(amount),
		Sequence:  s.next(owner(caller)),
		Timestamp: s.ts(),
	}
}

func (s *script) closePos(caller, id uuid.UUID) *event.ClosePosition {
	return &event.ClosePosition{
		CommandID:  uuid.New(),
		Caller:     caller,
		PositionID: id,
		Sequence:   s.next(owner(caller)),
		Timestamp:  s.ts(),
	}
}

func (s *script) liquidate(caller, id uuid.UUID) *event.Liquidate {
	return &event.Liquidate{
		CommandID:  uuid.New(),
		Caller:     caller,
		PositionID: id,
		Sequence:   s.next(event.PartitionLiquidations),
		Timestamp:  s.ts(),
	}
}

// scenario: two borrowers, a depositor-borrower, a price drop and one
// liquidation fully absorbed by the stability pool.
type scenario struct {
	alice, bob, keeper uuid.UUID
	alicePos, bobPos   uuid.UUID
	commands           []event.Event
}

func newScenario() scenario {
	s := newScript()
	sc := scenario{alice: uuid.New(), bob: uuid.New(), keeper: uuid.New()}
	sc.alicePos = state.DerivePositionID(sc.alice, 0)
	sc.bobPos = state.DerivePositionID(sc.bob, 0)

	sc.commands = []event.Event{
		s.price("200"),
		s.credit(sc.alice, "15"),
		s.credit(sc.bob, "100"),
		s.open(sc.bob, "100", "5000"),
		s.open(sc.alice, "15", "2000"),
		s.provide(sc.bob, "3000"),
		s.price("140"),
		s.liquidate(sc.keeper, sc.alicePos),
	}
	return sc
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func runAll(t *testing.T, c *core.DeterministicCore, cmds []event.Event) {
	t.Helper()
	for i, cmd := range cmds {
		require.NoError(t, c.ProcessEvent(cmd), "command %d (%s)", i, cmd.EventType())
	}
}

// ============================================================================
// Test: end-to-end liquidation through the core
// ============================================================================

func TestCore_LiquidationFlow(t *testing.T) {
	c, persist := newTestCore(t)
	sc := newScenario()
	runAll(t, c, sc.commands)

	outputs := drain(persist)
	require.Len(t, outputs, len(sc.commands))

	for i, out := range outputs {
		assert.Equal(t, int64(i), out.Envelope.Sequence)
		assert.Empty(t, out.Envelope.Rejection)
		if i > 0 {
			assert.Equal(t, outputs[i-1].Envelope.StateHash, out.Envelope.PrevHash, "hash chain broken at %d", i)
		}
	}

	liq := outputs[len(outputs)-1]
	var found *event.PositionLiquidated
	for _, rec := range liq.Emitted {
		if r, ok := rec.(*event.PositionLiquidated); ok {
			found = r
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, sc.alicePos, found.PositionID)
	assert.Equal(t, event.AbsorptionOffset, found.Absorption)
	assert.Equal(t, dec("0.075").Dec(), found.GasCompensation.Dec())
	assert.Equal(t, dec("2000").Dec(), found.DebtOffset.Dec())
	require.NotEmpty(t, liq.Batch.Journals)

	coll, debt := c.Balances(sc.keeper)
	assert.Equal(t, dec("0.075").Dec(), coll.Dec())
	assert.True(t, debt.IsZero())

	require.NoError(t, c.View(func(sys *state.System, asOf int64) error {
		assert.Equal(t, int64(len(sc.commands)-1), asOf)
		assert.Equal(t, 1, sys.Positions().ActiveCount())
		assert.Equal(t, dec("1000").Dec(), sys.Pool().TotalDeposits().Dec())
		assert.Equal(t, dec("14.925").Dec(), sys.Pool().CollBalance().Dec())
		return sys.CheckInvariants()
	}))
}

// ============================================================================
// Test: idempotency and sequencing
// ============================================================================

func TestCore_DuplicateIsSkipped(t *testing.T) {
	c, persist := newTestCore(t)
	sc := newScenario()
	runAll(t, c, sc.commands[:4])
	drain(persist)

	seq := c.GetSequence()
	require.NoError(t, c.ProcessEvent(sc.commands[3]))
	assert.Empty(t, drain(persist))
	assert.Equal(t, seq, c.GetSequence())
}

func TestCore_SequenceGapRejected(t *testing.T) {
	c, persist := newTestCore(t)
	caller := uuid.New()

	gap := &event.OpenPosition{
		CommandID:  uuid.New(),
		Caller:     caller,
		Collateral: dec("10"),
		Debt:       dec("2000"),
		Sequence:   3,
		Timestamp:  time.UnixMicro(1),
	}
	err := c.ProcessEvent(gap)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrRejected)
	assert.Empty(t, drain(persist))
	assert.Equal(t, int64(0), c.GetSequence())
}

func TestCore_StalePriceIgnored(t *testing.T) {
	c, persist := newTestCore(t)

	fresh := &event.PriceUpdate{Price: dec("200"), PriceSequence: 10, PriceTimestamp: 1}
	stale := &event.PriceUpdate{Price: dec("100"), PriceSequence: 9, PriceTimestamp: 2}
	gapped := &event.PriceUpdate{Price: dec("180"), PriceSequence: 15, PriceTimestamp: 3}

	require.NoError(t, c.ProcessEvent(fresh))
	require.NoError(t, c.ProcessEvent(stale))
	require.NoError(t, c.ProcessEvent(gapped))

	outputs := drain(persist)
	require.Len(t, outputs, 2)
	rec, ok := outputs[1].Emitted[0].(*event.PriceUpdated)
	require.True(t, ok)
	assert.Equal(t, dec("180").Dec(), rec.Price.Dec())
}

// ============================================================================
// Test: rejected commands
// ============================================================================

func TestCore_RejectedCommandIsLoggedWithoutStateChange(t *testing.T) {
	c, persist := newTestCore(t)
	sc := newScenario()
	runAll(t, c, sc.commands[:5])
	drain(persist)
	before := c.CreateSnapshotState()

	mallory := uuid.New()
	s := newScript()
	err := c.ProcessEvent(s.closePos(mallory, sc.bobPos))
	require.ErrorIs(t, err, core.ErrRejected)
	require.ErrorIs(t, err, state.ErrUnauthorized)

	outputs := drain(persist)
	require.Len(t, outputs, 1)
	env := outputs[0].Envelope
	assert.Contains(t, env.Rejection, "unauthorized")
	assert.Nil(t, outputs[0].Batch)
	assert.Equal(t, before.StateHash, env.PrevHash)

	after := c.CreateSnapshotState()
	assert.Equal(t, before.System, after.System)
	assert.Equal(t, before.Sequence+1, after.Sequence)
}

// ============================================================================
// Test: determinism, snapshot and replay
// ============================================================================

func TestCore_DeterministicHashes(t *testing.T) {
	sc := newScenario()

	c1, _ := newTestCore(t)
	c2, _ := newTestCore(t)
	runAll(t, c1, sc.commands)
	runAll(t, c2, sc.commands)

	assert.Equal(t, c1.GetStateHash(), c2.GetStateHash())
	assert.NotEqual(t, core.NewStateHasher().GetPrevHash(), c1.GetStateHash())
}

func TestCore_SnapshotRestoreContinuesChain(t *testing.T) {
	sc := newScenario()
	split := 6

	live, _ := newTestCore(t)
	runAll(t, live, sc.commands[:split])
	snap := live.CreateSnapshotState()
	assert.Equal(t, int64(split-1), snap.Sequence)
	require.NotNil(t, snap.Price)

	restored, _ := newTestCore(t)
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, live.GetSequence(), restored.GetSequence())
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())

	runAll(t, live, sc.commands[split:])
	runAll(t, restored, sc.commands[split:])
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())

	// Commands before the snapshot are known to the restored LRU.
	require.NoError(t, restored.ProcessEvent(sc.commands[3]))
	assert.Equal(t, live.GetSequence(), restored.GetSequence())
}

func TestCore_ReplayVerifiesHashes(t *testing.T) {
	sc := newScenario()
	live, persist := newTestCore(t)
	runAll(t, live, sc.commands)
	logged := drain(persist)

	replica, _ := newTestCore(t)
	for _, out := range logged {
		env := out.Envelope
		cmd, err := event.DecodeCommand(env.EventType, env.Payload)
		require.NoError(t, err)
		require.NoError(t, replica.ReplayEvent(cmd, env.Sequence, env.StateHash))
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())

	tampered, _ := newTestCore(t)
	first := logged[0].Envelope
	cmd, err := event.DecodeCommand(first.EventType, first.Payload)
	require.NoError(t, err)
	var wrong [32]byte
	err = tampered.ReplayEvent(cmd, first.Sequence, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")

	err = replica.ReplayEvent(cmd, 0, first.StateHash)
	require.Error(t, err, "replaying behind the core's sequence must fail")
}

// loggedKeys answers every tier-2 lookup as a duplicate, like a database
// that already holds the whole log.
type loggedKeys struct{}

func (loggedKeys) IsDuplicate(string, string) (bool, error) { return true, nil }

func TestCore_ReplayIgnoresDedupTiers(t *testing.T) {
	sc := newScenario()
	live, persist := newTestCore(t)
	runAll(t, live, sc.commands)
	logged := drain(persist)

	replica, err := core.NewDeterministicCore(core.Config{
		Params:      state.DefaultParams(),
		LRUCapacity: 1024,
	}, make(chan core.CoreOutput, 1), make(chan core.CoreOutput, 1), loggedKeys{}, nil, zerolog.Nop())
	require.NoError(t, err)

	var keys []string
	for _, out := range logged {
		keys = append(keys, core.CompositeKey(out.Envelope.EventType.String(), out.Envelope.IdempotencyKey))
	}
	replica.WarmLRU(keys)

	for _, out := range logged {
		env := out.Envelope
		cmd, err := event.DecodeCommand(env.EventType, env.Payload)
		require.NoError(t, err)
		require.NoError(t, replica.ReplayEvent(cmd, env.Sequence, env.StateHash))
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())

	// Live traffic still goes through dedup.
	require.NoError(t, replica.ProcessEvent(sc.commands[0]))
	assert.Equal(t, live.GetSequence(), replica.GetSequence())
}

// ============================================================================
// Test: hasher
// ============================================================================

func TestStateHasher_ChainsAndRestores(t *testing.T) {
	h := core.NewStateHasher()
	genesis := h.GetPrevHash()

	first := h.ComputeHash(0, []byte("a"))
	assert.NotEqual(t, genesis, first)
	assert.Equal(t, first, h.GetPrevHash())

	other := core.NewStateHasher()
	other.SetPrevHash(first)
	assert.Equal(t, h.ComputeHash(1, []byte("b")), other.ComputeHash(1, []byte("b")))
}
