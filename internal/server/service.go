package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
)

// LiveState is the in-process read surface of the deterministic core.
type LiveState interface {
	View(fn func(sys *state.System, asOf int64) error) error
	Balances(account uuid.UUID) (coll, debt *uint256.Int)
	GetSequence() int64
}

// Admin holds the operational hooks wired in by main. Nil hooks answer
// Unimplemented.
type Admin struct {
	TakeSnapshot       func(ctx context.Context) (int64, error)
	RebuildProjections func(ctx context.Context) error
	LatestLogSequence  func(ctx context.Context) (int64, error)
}

// --- Messages ---

type SubmitCommandRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	Accepted     bool  `json:"accepted"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

type PositionRequest struct {
	PositionID string `json:"position_id"`
	// Price, when set, overrides the last oracle price for the ICR.
	Price string `json:"price,omitempty"`
}

type OwnerRequest struct {
	Owner         string `json:"owner"`
	IncludeClosed bool   `json:"include_closed,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Cursor        *int64 `json:"cursor,omitempty"`
	Asset         string `json:"asset,omitempty"`
}

type ListPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type ListLiquidationsRequest struct {
	Owner          string `json:"owner,omitempty"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type JournalHistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}

// LivePositionResponse is a position read straight from core state,
// pending redistribution rewards included.
type LivePositionResponse struct {
	PositionID   uuid.UUID `json:"position_id"`
	Collateral   string    `json:"collateral"`
	Debt         string    `json:"debt"`
	PendingColl  string    `json:"pending_coll"`
	PendingDebt  string    `json:"pending_debt"`
	ICR          string    `json:"icr,omitempty"`
	Price        string    `json:"price,omitempty"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

type WalletResponse struct {
	Account      uuid.UUID `json:"account"`
	Collateral   string    `json:"collateral"`
	DebtToken    string    `json:"debt_token"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type EventLogInfoResponse struct {
	LatestSequence int64     `json:"latest_sequence"`
	CoreSequence   int64     `json:"core_sequence"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"started_at"`
}

// --- Service ---

// LedgerService implements the CDPLedger gRPC service. Commands go through
// the ingest service; reads come from projections or live core state.
type LedgerService struct {
	ingest    *ingestion.GRPCIngestService
	queries   *query.QueryService
	live      LiveState
	admin     Admin
	startTime time.Time
}

func NewLedgerService(ingest *ingestion.GRPCIngestService, queries *query.QueryService, live LiveState, admin Admin) *LedgerService {
	return &LedgerService{
		ingest:    ingest,
		queries:   queries,
		live:      live,
		admin:     admin,
		startTime: time.Now(),
	}
}

// SubmitCommand applies one command. A rejected command is logged but
// answers with the status code of its error category.
func (s *LedgerService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	if err := s.ingest.SubmitRaw(ctx, req.EventType, req.Payload); err != nil {
		return nil, toStatus(err)
	}
	return &SubmitCommandResponse{Accepted: true, AsOfSequence: s.live.GetSequence() - 1}, nil
}

func (s *LedgerService) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	id, err := parseUUID("position_id", req.PositionID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetPosition(ctx, id)
	return resp, toStatus(err)
}

func (s *LedgerService) ListPositionsByOwner(ctx context.Context, req *OwnerRequest) (*ListPositionsResponse, error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	positions, err := s.queries.ListPositionsByOwner(ctx, owner, req.IncludeClosed)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListPositionsResponse{Positions: positions}, nil
}

func (s *LedgerService) GetDeposit(ctx context.Context, req *OwnerRequest) (*query.DepositResponse, error) {
	depositor, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetDeposit(ctx, depositor)
	return resp, toStatus(err)
}

func (s *LedgerService) GetSystem(ctx context.Context, _ *Empty) (*query.SystemResponse, error) {
	resp, err := s.queries.GetSystem(ctx)
	return resp, toStatus(err)
}

// ListLiquidations serves an owner's first page from the in-memory history
// when it is full enough, and everything else from the projection table.
func (s *LedgerService) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (*ListLiquidationsResponse, error) {
	var owner *uuid.UUID
	if req.Owner != "" {
		id, err := parseUUID("owner", req.Owner)
		if err != nil {
			return nil, toStatus(err)
		}
		owner = &id
	}

	if owner != nil && req.BeforeSequence == nil && req.Limit > 0 {
		if recent := s.queries.RecentLiquidations(*owner, req.Limit); len(recent) == req.Limit {
			return &ListLiquidationsResponse{Liquidations: recent}, nil
		}
	}

	liqs, err := s.queries.ListLiquidations(ctx, owner, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListLiquidationsResponse{Liquidations: liqs}, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, req *OwnerRequest) (*query.BalanceResponse, error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetBalance(ctx, owner, req.Asset)
	return resp, toStatus(err)
}

func (s *LedgerService) GetJournalHistory(ctx context.Context, req *OwnerRequest) (*JournalHistoryResponse, error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = 100
	}
	entries, err := s.queries.GetJournalHistory(ctx, owner, limit, req.Cursor)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalHistoryResponse{Entries: entries}, nil
}

// GetLivePosition answers getEntireDebtAndColl and getCurrentICR from core
// state. ICR uses the requested price if one is given, else the last oracle
// price, and is omitted while neither exists.
func (s *LedgerService) GetLivePosition(_ context.Context, req *PositionRequest) (*LivePositionResponse, error) {
	id, err := parseUUID("position_id", req.PositionID)
	if err != nil {
		return nil, toStatus(err)
	}
	var override *uint256.Int
	if req.Price != "" {
		if override, err = parsePrice(req.Price); err != nil {
			return nil, toStatus(err)
		}
	}

	var resp *LivePositionResponse
	err = s.live.View(func(sys *state.System, asOf int64) error {
		coll, debt, pendingColl, pendingDebt, err := sys.EntireDebtAndColl(id)
		if err != nil {
			return err
		}
		resp = &LivePositionResponse{
			PositionID:   id,
			Collateral:   amount(coll),
			Debt:         amount(debt),
			PendingColl:  amount(pendingColl),
			PendingDebt:  amount(pendingDebt),
			AsOfSequence: asOf,
		}

		price := override
		if price == nil {
			last, err := sys.Price()
			if errors.Is(err, state.ErrNoPrice) {
				return nil
			}
			if err != nil {
				return err
			}
			price = last
		}
		icr, err := sys.CurrentICR(id, price)
		if err != nil {
			return err
		}
		resp.ICR = amount(icr)
		resp.Price = amount(price)
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetWallet(_ context.Context, req *OwnerRequest) (*WalletResponse, error) {
	account, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	asOf := s.live.GetSequence() - 1
	coll, debt := s.live.Balances(account)
	return &WalletResponse{
		Account:      account,
		Collateral:   amount(coll),
		DebtToken:    amount(debt),
		AsOfSequence: asOf,
	}, nil
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	resp, err := s.queries.VerifyIntegrity(ctx)
	return resp, toStatus(err)
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.admin.TakeSnapshot == nil {
		return nil, errUnimplemented("TakeSnapshot")
	}
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *LedgerService) RebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.admin.RebuildProjections == nil {
		return nil, errUnimplemented("RebuildProjections")
	}
	return &Empty{}, toStatus(s.admin.RebuildProjections(ctx))
}

func (s *LedgerService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{
		LatestSequence: -1,
		CoreSequence:   s.live.GetSequence() - 1,
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		StartedAt:      s.startTime,
	}
	if s.admin.LatestLogSequence != nil {
		seq, err := s.admin.LatestLogSequence(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.LatestSequence = seq
	}
	return resp, nil
}

// amount renders a 1e18 fixed-point value as its integer string, the same
// encoding the projection queries use.
func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", query.ErrInvalidQuery, field, err)
	}
	return id, nil
}

func parsePrice(s string) (*uint256.Int, error) {
	price, err := fpmath.ParseDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: price: %v", query.ErrInvalidQuery, err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: price must be positive", query.ErrInvalidQuery)
	}
	return price, nil
}

// --- Service descriptor ---

const serviceName = "cdpledger.v1.Ledger"

// unary adapts a typed method to a grpc.MethodDesc handler.
func unary[Req any, Resp any](name string, call func(*LedgerService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			svc := srv.(*LedgerService)
			if interceptor == nil {
				return call(svc, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc registers LedgerService without generated stubs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", (*LedgerService).SubmitCommand),
		unary("GetPosition", (*LedgerService).GetPosition),
		unary("ListPositionsByOwner", (*LedgerService).ListPositionsByOwner),
		unary("GetDeposit", (*LedgerService).GetDeposit),
		unary("GetSystem", (*LedgerService).GetSystem),
		unary("ListLiquidations", (*LedgerService).ListLiquidations),
		unary("GetBalance", (*LedgerService).GetBalance),
		unary("GetJournalHistory", (*LedgerService).GetJournalHistory),
		unary("GetLivePosition", (*LedgerService).GetLivePosition),
		unary("GetWallet", (*LedgerService).GetWallet),
		unary("VerifyIntegrity", (*LedgerService).VerifyIntegrity),
		unary("TakeSnapshot", (*LedgerService).TakeSnapshot),
		unary("RebuildProjections", (*LedgerService).RebuildProjections),
		unary("GetEventLogInfo", (*LedgerService).GetEventLogInfo),
	},
	Metadata: "cdpledger/v1/ledger",
}
