package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubCore struct {
	err  error
	seen []event.Event
	sys  *state.System
}

func (c *stubCore) ProcessEvent(evt event.Event) error {
	c.seen = append(c.seen, evt)
	return c.err
}

func (c *stubCore) View(fn func(sys *state.System, asOf int64) error) error {
	return fn(c.sys, 41)
}

func (c *stubCore) Balances(uuid.UUID) (coll, debt *uint256.Int) {
	return fpmath.Units(15), fpmath.Units(2000)
}

func (c *stubCore) GetSequence() int64 { return 42 }

func newTestServer(t *testing.T, c *stubCore) http.Handler {
	t.Helper()
	svc := NewLedgerService(ingestion.NewGRPCIngestService(c, zerolog.Nop()), nil, c, Admin{})
	h, err := NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", svc, nil, zerolog.Nop()).Handler()
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestToStatus(t *testing.T) {
	rejected := func(err error) error {
		return fmt.Errorf("%w: OpenPosition: %w", core.ErrRejected, err)
	}

	tests := []struct {
		err  error
		want codes.Code
	}{
		{rejected(fmt.Errorf("%w: ICR below MCR", state.ErrThresholdViolation)), codes.FailedPrecondition},
		{rejected(fmt.Errorf("%w: not the owner", state.ErrUnauthorized)), codes.PermissionDenied},
		{rejected(fmt.Errorf("%w: zero debt", state.ErrInvalidArgument)), codes.InvalidArgument},
		{rejected(fmt.Errorf("%w: overflow", state.ErrInvariantViolation)), codes.Internal},
		{fmt.Errorf("%w: position", query.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: Borrow", ingestion.ErrUnknownCommand), codes.InvalidArgument},
		{errors.New("connection refused"), codes.Internal},
	}
	for _, tt := range tests {
		st, ok := status.FromError(toStatus(tt.err))
		require.True(t, ok)
		assert.Equal(t, tt.want, st.Code(), tt.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}

func TestHTTP_SubmitCommand(t *testing.T) {
	c := &stubCore{}
	h := newTestServer(t, c)

	rec := do(h, "POST", "/v1/commands/PriceUpdate", `{"price":"1800","price_sequence":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubmitCommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(41), resp.AsOfSequence)
	require.Len(t, c.seen, 1)
	assert.Equal(t, "price:3", c.seen[0].IdempotencyKey())
}

func TestHTTP_SubmitCommandErrors(t *testing.T) {
	c := &stubCore{err: fmt.Errorf("%w: ClosePosition: %w", core.ErrRejected, state.ErrUnauthorized)}
	h := newTestServer(t, c)

	payload := fmt.Sprintf(`{"command_id":%q,"caller":%q,"position_id":%q}`, uuid.New(), uuid.New(), uuid.New())
	rec := do(h, "POST", "/v1/commands/ClosePosition", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "PermissionDenied")

	rec = do(h, "POST", "/v1/commands/Borrow", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, "POST", "/v1/commands/ClosePosition", `{"command_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, c.seen, 1)
}

func TestHTTP_Wallet(t *testing.T) {
	h := newTestServer(t, &stubCore{})
	owner := uuid.New()

	rec := do(h, "GET", "/v1/owners/"+owner.String()+"/wallet", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp WalletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, owner, resp.Account)
	assert.Equal(t, "15000000000000000000", resp.Collateral)
	assert.Equal(t, "2000000000000000000000", resp.DebtToken)

	rec = do(h, "GET", "/v1/owners/nobody/wallet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_AdminUnconfigured(t *testing.T) {
	h := newTestServer(t, &stubCore{})
	rec := do(h, "POST", "/v1/admin/snapshots", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = do(h, "GET", "/v1/admin/event-log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"latest_sequence":-1`)
}

func TestHTTP_BadQueryParam(t *testing.T) {
	h := newTestServer(t, &stubCore{})
	rec := do(h, "GET", "/v1/liquidations?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// liveSystem holds one 15 coll / 2000 debt position with the oracle at 200.
func liveSystem(t *testing.T) (*state.System, uuid.UUID) {
	t.Helper()
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(0)
	feed := state.NewLastGoodPrice()
	_, err := feed.Set(fpmath.Units(200), 1)
	require.NoError(t, err)
	sys := state.NewSystem(state.DefaultParams(), tracker, feed)

	owner := uuid.New()
	apply := func(seq int64, out state.Outcome, err error) state.Outcome {
		require.NoError(t, err)
		batch, err := gen.GenerateBatch(fmt.Sprintf("live-%d", seq), seq, 0, out.Transfers)
		require.NoError(t, err)
		require.NoError(t, tracker.ApplyBatch(batch))
		return out
	}
	credited, err := sys.CreditCollateral(owner, fpmath.Units(15))
	apply(1, credited, err)
	opened, err := sys.OpenPosition(owner, fpmath.Units(15), fpmath.Units(2000), event.Hints{})
	out := apply(2, opened, err)
	return sys, out.PositionID
}

func TestHTTP_LivePositionPrice(t *testing.T) {
	sys, id := liveSystem(t)
	h := newTestServer(t, &stubCore{sys: sys})
	path := "/v1/positions/" + id.String() + "/live"

	get := func(query string) LivePositionResponse {
		rec := do(h, "GET", path+query, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp LivePositionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	resp := get("")
	assert.Equal(t, fpmath.Units(200).Dec(), resp.Price)
	assert.Equal(t, fpmath.MustParseDecimal("1.5").Dec(), resp.ICR)

	resp = get("?price=140")
	assert.Equal(t, fpmath.Units(140).Dec(), resp.Price)
	assert.Equal(t, fpmath.MustParseDecimal("1.05").Dec(), resp.ICR)

	// The oracle price is untouched by the override.
	last, err := sys.Price()
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(200).Dec(), last.Dec())

	for _, bad := range []string{"?price=abc", "?price=0"} {
		rec := do(h, "GET", path+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}
