package rpc

import (
	"context"
	"errors"

	"github.com/hyp3rd/ewrap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"kvrepair/internal/sentinel"
)

// statusCodes maps sentinels to the code they travel with. The sentinel
// itself travels as a reason detail.
var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{sentinel.ErrHandlerUninitialized, codes.FailedPrecondition},
	{sentinel.ErrNotLiveUpdatable, codes.FailedPrecondition},
	{sentinel.ErrUnknownItem, codes.NotFound},
	{sentinel.ErrUnknownKeyspace, codes.NotFound},
	{sentinel.ErrUnknownTable, codes.NotFound},
	{sentinel.ErrSessionNotFound, codes.NotFound},
	{sentinel.ErrNodeNotFound, codes.NotFound},
	{sentinel.ErrInvalidValue, codes.InvalidArgument},
	{sentinel.ErrNodeDown, codes.Unavailable},
	{sentinel.ErrShutdown, codes.Unavailable},
	{sentinel.ErrNotEnoughReplicas, codes.Unavailable},
	{sentinel.ErrDiffIncomplete, codes.Aborted},
	{sentinel.ErrTransferError, codes.Aborted},
}

// toStatus converts a handler error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return withReason(status.New(sc.code, err.Error()), sc.err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts a call error back to the sentinel it carries.
// Transport failures become sentinel.ErrNodeDown.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if r := reason(st); r != "" {
		for _, sc := range statusCodes {
			if sc.err.Error() == r {
				return ewrap.Wrap(sc.err, st.Message())
			}
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return ewrap.Wrap(sentinel.ErrNodeDown, st.Message())
	case codes.DeadlineExceeded:
		return ewrap.Wrap(context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return ewrap.Wrap(context.Canceled, st.Message())
	}
	return ewrap.New(st.Message())
}

func withReason(st *status.Status, r string) error {
	detail, err := structpb.NewStruct(map[string]any{"reason": r})
	if err != nil {
		return st.Err()
	}
	withDetail, err := st.WithDetails(detail)
	if err != nil {
		return st.Err()
	}
	return withDetail.Err()
}

func reason(st *status.Status) string {
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			if v, ok := s.GetFields()["reason"]; ok {
				return v.GetStringValue()
			}
		}
	}
	return ""
}
