package rpcapi

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// Dial opens a client connection to the server's unix socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient("unix:"+socketPath, opts...)
}

// Client calls both services over one connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Authorize asks the gate for a verdict as the interception hook would.
func (c *Client) Authorize(ctx context.Context, req types.AuthorizationRequest) (types.Decision, error) {
	if req.Timeout > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, TimeoutHeader, req.Timeout.String())
	}
	out := new(structpb.Struct)
	in := eventToProto(types.Event{ID: req.ID, Process: req.Process})
	if err := c.cc.Invoke(ctx, authorizeMethod, in, out); err != nil {
		return types.Decision{}, fromStatus(err)
	}
	return decisionFromProto(out)
}

// Connect opens the daemon session. The returned Session must be closed.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.cc.NewStream(ctx, &daemonServiceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	md, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	ids := md.Get(SessionHeader)
	if len(ids) == 0 {
		// Rejected before headers; the status is on the stream.
		err := stream.RecvMsg(new(wrapperspb.BytesValue))
		cancel()
		if err == nil {
			err = fmt.Errorf("%w: no session header", service.ErrSessionClosed)
		}
		return nil, fromStatus(err)
	}

	return &Session{
		ID:     ids[0],
		cc:     c.cc,
		stream: stream,
		cancel: cancel,
	}, nil
}

// Session is a connected daemon's view of the bridge.
type Session struct {
	ID string

	cc     grpc.ClientConnInterface
	stream grpc.ClientStream
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Next blocks for the next pending-authorization event.
func (s *Session) Next() (types.Event, error) {
	in := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(in); err != nil {
		return types.Event{}, fromStatus(err)
	}
	return eventFromProto(in)
}

func (s *Session) Allow(ctx context.Context, id types.FileIdentity) error {
	return s.invoke(ctx, allowMethod, wrapperspb.UInt64(uint64(id)), new(emptypb.Empty))
}

func (s *Session) Deny(ctx context.Context, id types.FileIdentity) error {
	return s.invoke(ctx, denyMethod, wrapperspb.UInt64(uint64(id)), new(emptypb.Empty))
}

func (s *Session) ClearCache(ctx context.Context) error {
	return s.invoke(ctx, clearCacheMethod, &emptypb.Empty{}, new(emptypb.Empty))
}

func (s *Session) CacheCount(ctx context.Context) (int, error) {
	out := new(wrapperspb.UInt64Value)
	if err := s.invoke(ctx, cacheCountMethod, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// Do runs cmd over the matching RPC.
func (s *Session) Do(ctx context.Context, cmd service.Command) (service.Result, error) {
	switch c := cmd.(type) {
	case service.AllowBinary:
		return service.Result{}, s.Allow(ctx, c.ID)
	case service.DenyBinary:
		return service.Result{}, s.Deny(ctx, c.ID)
	case service.ClearCache:
		return service.Result{}, s.ClearCache(ctx)
	case service.CacheCount:
		n, err := s.CacheCount(ctx)
		return service.Result{Count: n}, err
	case service.ReadEvent:
		ev, err := s.Next()
		if err != nil {
			return service.Result{}, err
		}
		return service.Result{Event: &ev}, nil
	default:
		return service.Result{}, fmt.Errorf("%w: %T", service.ErrUnknownCommand, cmd)
	}
}

// Close ends the session; the server releases any waiting requests.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Session) invoke(ctx context.Context, method string, in, out any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, SessionHeader, s.ID)
	return fromStatus(s.cc.Invoke(ctx, method, in, out))
}
