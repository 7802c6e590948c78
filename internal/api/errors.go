package api

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatvault/internal/embedding"
	"github.com/matheus3301/chatvault/internal/fetch"
	"github.com/matheus3301/chatvault/internal/jobs"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/search"
	"github.com/matheus3301/chatvault/internal/store"
)

// ErrInvalidArgument marks malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, search.ErrEmptyQuery):
		code = codes.InvalidArgument
	case errors.Is(err, jobs.ErrBusy), errors.Is(err, jobs.ErrNotRunning),
		errors.Is(err, jobs.ErrClosed), errors.Is(err, embedding.ErrDisabled),
		errors.Is(err, fetch.ErrTakeoutUnavailable):
		code = codes.FailedPrecondition
	case remote.IsAuth(err):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		if _, ok := remote.AsRateLimited(err); ok {
			code = codes.ResourceExhausted
		}
	}
	return status.Error(code, err.Error())
}
