package server

import (
	"context"
	"errors"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{query.ErrNotFound, codes.NotFound},
	{query.ErrInvalidQuery, codes.InvalidArgument},
	{ingestion.ErrUnknownCommand, codes.InvalidArgument},
	{ingestion.ErrInvalidPayload, codes.InvalidArgument},
	{state.ErrInvalidArgument, codes.InvalidArgument},
	{state.ErrUnauthorized, codes.PermissionDenied},
	{state.ErrInvariantViolation, codes.Internal},
	{state.ErrInvalidState, codes.FailedPrecondition},
	{state.ErrThresholdViolation, codes.FailedPrecondition},
	{state.ErrRecoveryModeRestriction, codes.FailedPrecondition},
	{state.ErrInsufficientBalance, codes.FailedPrecondition},
	{state.ErrNotLiquidatable, codes.FailedPrecondition},
	{state.ErrNoPrice, codes.FailedPrecondition},
	{core.ErrRejected, codes.FailedPrecondition},
}

// toStatus maps the error taxonomy onto gRPC status codes. The first
// match wins, so protocol categories precede the generic rejection.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return status.Error(sc.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func errUnimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "%s is not configured", method)
}
