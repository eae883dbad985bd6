package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/execgate/internal/execgate/eventq"
	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// ── Errors ───────────────────────────────────────────────────────────────────

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInvalidSession):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrSessionActive):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrSessionClosed), errors.Is(err, service.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, service.ErrBadArguments),
		errors.Is(err, service.ErrUnknownCommand),
		errors.Is(err, eventq.ErrShortSlot):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a server status back onto the service sentinel errors so
// callers can match them with errors.Is.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.FailedPrecondition:
		sentinel = service.ErrInvalidSession
	case codes.AlreadyExists:
		sentinel = service.ErrSessionActive
	case codes.Unavailable:
		sentinel = service.ErrSessionClosed
	case codes.InvalidArgument:
		sentinel = service.ErrBadArguments
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// ── Session metadata ─────────────────────────────────────────────────────────

func sessionFromContext(ctx context.Context) service.SessionHandle {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return service.SessionHandle{}
	}
	if v := md.Get(SessionHeader); len(v) > 0 {
		return service.SessionHandle{ID: v[0]}
	}
	return service.SessionHandle{}
}

func timeoutFromContext(ctx context.Context) (time.Duration, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, nil
	}
	v := md.Get(TimeoutHeader)
	if len(v) == 0 || v[0] == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v[0])
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s %q", service.ErrBadArguments, TimeoutHeader, v[0])
	}
	return d, nil
}

// ── Events ───────────────────────────────────────────────────────────────────

// Events travel as the fixed ring slot bytes; a daemon decodes them with
// eventq.DecodeEvent.

func eventToProto(ev types.Event) *wrapperspb.BytesValue {
	return wrapperspb.Bytes(eventq.EncodeEvent(ev))
}

func eventFromProto(p *wrapperspb.BytesValue) (types.Event, error) {
	return eventq.DecodeEvent(p.GetValue())
}

// ── Decisions ────────────────────────────────────────────────────────────────

func decisionToProto(d types.Decision) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"verdict": d.Verdict.String(),
		"source":  string(d.Source),
	})
}

func decisionFromProto(p *structpb.Struct) (types.Decision, error) {
	fields := p.GetFields()
	v, err := types.ParseVerdict(fields["verdict"].GetStringValue())
	if err != nil {
		return types.Decision{}, err
	}
	return types.Decision{
		Verdict: v,
		Source:  types.DecisionSource(fields["source"].GetStringValue()),
	}, nil
}
