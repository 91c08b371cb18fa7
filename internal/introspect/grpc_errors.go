package introspect

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/p4net/internal/network"
)

// ErrInvalidRequest is used for requests rejected before reaching the network.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps network errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		compileErr *network.CompileError
		spawnErr   *network.SpawnError
		connectErr *network.ConnectError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, network.ErrNotFound),
		errors.Is(err, network.ErrNoPath):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, network.ErrValidation),
		errors.Is(err, network.ErrWrongKind),
		errors.As(err, &compileErr):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, network.ErrNotRunning),
		errors.Is(err, network.ErrTornDown),
		errors.Is(err, network.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, &spawnErr),
		errors.As(err, &connectErr):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
