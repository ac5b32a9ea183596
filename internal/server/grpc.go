package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *LedgerService
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the ledger service registered.
func NewGRPCServer(grpcAddr, httpAddr string, service *LedgerService, healthChecker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&ServiceDesc, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: healthChecker,
		healthServer:  healthServer,
		logger:        logger.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler returns the HTTP surface: REST routes on a grpc-gateway mux that
// call the service in process, plus health endpoints.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{event_type}", s.submitCommand},
		{"GET", "/v1/positions/{position_id}", s.getPosition},
		{"GET", "/v1/positions/{position_id}/live", s.getLivePosition},
		{"GET", "/v1/owners/{owner}/positions", s.listPositions},
		{"GET", "/v1/owners/{owner}/deposit", s.getDeposit},
		{"GET", "/v1/owners/{owner}/wallet", s.getWallet},
		{"GET", "/v1/owners/{owner}/balances/{asset}", s.getBalance},
		{"GET", "/v1/owners/{owner}/journals", s.getJournals},
		{"GET", "/v1/system", s.getSystem},
		{"GET", "/v1/liquidations", s.listLiquidations},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},
		{"GET", "/v1/admin/event-log", s.eventLogInfo},
		{"POST", "/v1/admin/snapshots", s.takeSnapshot},
		{"POST", "/v1/admin/projections/rebuild", s.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	if s.healthChecker != nil {
		if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// StartHTTPGateway serves the HTTP surface until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- HTTP handlers ---

func (s *GRPCServer) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.service.SubmitCommand(r.Context(), &SubmitCommandRequest{
		EventType: params["event_type"],
		Payload:   body,
	})
	respond(w, resp, err)
}

func (s *GRPCServer) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetPosition(r.Context(), &PositionRequest{PositionID: params["position_id"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getLivePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetLivePosition(r.Context(), &PositionRequest{
		PositionID: params["position_id"],
		Price:      r.URL.Query().Get("price"),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) listPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.ListPositionsByOwner(r.Context(), &OwnerRequest{
		Owner:         params["owner"],
		IncludeClosed: r.URL.Query().Get("include_closed") == "true",
	})
	respond(w, resp, err)
}

func (s *GRPCServer) getDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetDeposit(r.Context(), &OwnerRequest{Owner: params["owner"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getWallet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetWallet(r.Context(), &OwnerRequest{Owner: params["owner"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetBalance(r.Context(), &OwnerRequest{Owner: params["owner"], Asset: params["asset"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req := &OwnerRequest{Owner: params["owner"]}
	var err error
	if req.Limit, err = intParam(r, "limit", 100); err != nil {
		writeError(w, err)
		return
	}
	if req.Cursor, err = int64Param(r, "after_sequence"); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.service.GetJournalHistory(r.Context(), req)
	respond(w, resp, err)
}

func (s *GRPCServer) getSystem(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.GetSystem(r.Context(), &Empty{})
	respond(w, resp, err)
}

func (s *GRPCServer) listLiquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req := &ListLiquidationsRequest{Owner: r.URL.Query().Get("owner")}
	var err error
	if req.Limit, err = intParam(r, "limit", 50); err != nil {
		writeError(w, err)
		return
	}
	if req.BeforeSequence, err = int64Param(r, "before_sequence"); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.service.ListLiquidations(r.Context(), req)
	respond(w, resp, err)
}

func (s *GRPCServer) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.VerifyIntegrity(r.Context(), &Empty{})
	respond(w, resp, err)
}

func (s *GRPCServer) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.GetEventLogInfo(r.Context(), &Empty{})
	respond(w, resp, err)
}

func (s *GRPCServer) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.TakeSnapshot(r.Context(), &Empty{})
	respond(w, resp, err)
}

func (s *GRPCServer) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.RebuildProjections(r.Context(), &Empty{})
	respond(w, resp, err)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, toStatus(fmt.Errorf("%w: %s", query.ErrInvalidQuery, name))
	}
	return n, nil
}

func int64Param(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %s", query.ErrInvalidQuery, name))
	}
	return &n, nil
}

func respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(toStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
