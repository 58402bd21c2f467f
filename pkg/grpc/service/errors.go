package service

import (
	"errors"
	"fmt"

	"github.com/KevoDB/kvs/pkg/engine"
	"github.com/KevoDB/kvs/pkg/segment"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errCompactionInProgress = status.Error(codes.ResourceExhausted, "compaction is already in progress")

func invalidArgument(format string, args ...interface{}) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf(format, args...))
}

// toStatus maps an engine error to the status returned to clients.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, engine.ErrKeyNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrInvalidKey), errors.Is(err, engine.ErrValueTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrCorruptRecord):
		code = codes.DataLoss
	case errors.Is(err, engine.ErrEngineClosed), errors.Is(err, segment.ErrStoreClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
