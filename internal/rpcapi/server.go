package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

type Dependencies struct {
	Logger     *zap.Logger
	SocketPath string
	SocketMode os.FileMode
	Bridge     *service.Bridge
	Gate       *service.AuthorizationGate
}

// Server exposes the daemon bridge and the authorization gate over gRPC on
// a unix socket.
type Server struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
	socketPath string
	socketMode os.FileMode
	bridge     *service.Bridge
	gate       *service.AuthorizationGate
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:     logger,
		socketPath: d.SocketPath,
		socketMode: d.SocketMode,
		bridge:     d.Bridge,
		gate:       d.Gate,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryLogging(logger)),
		grpc.ChainStreamInterceptor(streamLogging(logger)),
	)
	s.grpcServer.RegisterService(&daemonServiceDesc, s)
	s.grpcServer.RegisterService(&gateServiceDesc, s)
	return s
}

// Start listens on the configured socket, replacing a stale socket file,
// and serves until Shutdown.
func (s *Server) Start() error {
	if s.socketPath == "" {
		return errors.New("rpcapi: socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if s.socketMode != 0 {
		if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
			_ = lis.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
	}

	s.logger.Info("listening", zap.String("socket", s.socketPath))
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Shutdown ends the daemon session, then drains in-flight calls until ctx
// expires. Daemon streams only finish when their session does.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bridge.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
		return ctx.Err()
	}
}

// ── Daemon ───────────────────────────────────────────────────────────────────

func (s *Server) connect(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()

	h, err := s.bridge.Connect(ctx)
	if err != nil {
		return toStatus(err)
	}
	reason := "stream closed"
	defer func() { s.bridge.Disconnect(h, reason) }()

	if err := stream.SendHeader(metadata.Pairs(SessionHeader, h.ID)); err != nil {
		reason = "send header failed"
		return err
	}

	for {
		ev, err := s.bridge.ReadEvent(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				reason = "client gone"
			}
			return toStatus(err)
		}
		if err := stream.SendMsg(eventToProto(ev)); err != nil {
			reason = "send failed"
			s.logger.Warn("event lost", zap.Stringer("file_id", ev.ID), zap.Error(err))
			return err
		}
	}
}

func (s *Server) allow(ctx context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	return s.dispatch(ctx, service.AllowBinary{ID: types.FileIdentity(in.GetValue())})
}

func (s *Server) deny(ctx context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	return s.dispatch(ctx, service.DenyBinary{ID: types.FileIdentity(in.GetValue())})
}

func (s *Server) clearCache(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return s.dispatch(ctx, service.ClearCache{})
}

func (s *Server) cacheCount(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	res, err := s.bridge.Dispatch(ctx, sessionFromContext(ctx), service.CacheCount{})
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt64(uint64(res.Count)), nil
}

func (s *Server) dispatch(ctx context.Context, cmd service.Command) (*emptypb.Empty, error) {
	if _, err := s.bridge.Dispatch(ctx, sessionFromContext(ctx), cmd); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ── Gate ─────────────────────────────────────────────────────────────────────

func (s *Server) authorize(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	ev, err := eventFromProto(in)
	if err != nil {
		return nil, toStatus(err)
	}
	timeout, err := timeoutFromContext(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	d := s.gate.Authorize(ctx, types.AuthorizationRequest{
		ID:      ev.ID,
		Process: ev.Process,
		Timeout: timeout,
	})

	out, err := decisionToProto(d)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
