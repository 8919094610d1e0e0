package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCStreamMethod is the full method name of the backend's bidirectional event stream.
// Both directions carry google.protobuf.Struct messages with the JSON request/event shape.
const GRPCStreamMethod = "/taskmate.backend.v1.Backend/Stream"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var streamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCConfig holds configuration for the gRPC transport.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	ReconnectDelay   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		ReconnectDelay:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// grpcStream serializes SendMsg, which a grpc.ClientStream forbids from concurrent goroutines.
type grpcStream struct {
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (s *grpcStream) send(msg *structpb.Struct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(msg)
}

// GRPCTransport exchanges requests and events with the backend over one long-lived
// bidirectional stream.
type GRPCTransport struct {
	conn           *grpc.ClientConn
	addr           string
	reconnectDelay time.Duration
	logger         *slog.Logger
	link           *link[*grpcStream]
}

// NewGRPCTransport creates the client connection and waits until it is ready, so a bad
// backend address fails at startup.
func NewGRPCTransport(cfg GRPCConfig, logger *slog.Logger) (*GRPCTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to backend at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to backend service", "address", cfg.Address)

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &GRPCTransport{
		conn:           conn,
		addr:           cfg.Address,
		reconnectDelay: delay,
		logger:         logger,
		link:           newLink[*grpcStream](),
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Send writes req on the open stream. It fails at once while the stream is being reopened.
func (t *GRPCTransport) Send(_ context.Context, req Request) error {
	s, err := t.link.current()
	if err != nil {
		return fmt.Errorf("no backend stream: %w", err)
	}
	msg, err := requestToStruct(req)
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return fmt.Errorf("stream send: %w", err)
	}
	return nil
}

// Run opens the stream and reads events, reopening it after a delay when it fails.
func (t *GRPCTransport) Run(ctx context.Context, deliver func(Event)) error {
	for {
		if err := t.session(ctx, deliver); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("Backend stream ended, reopening", "address", t.addr, "delay", t.reconnectDelay, "error", err)
		}
		if t.link.isClosed() {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.reconnectDelay):
		}
	}
}

func (t *GRPCTransport) session(ctx context.Context, deliver func(Event)) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.conn.NewStream(streamCtx, &streamDesc, GRPCStreamMethod, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if !t.link.set(&grpcStream{stream: stream}) {
		return ErrClosed
	}
	defer t.link.clear()

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		ev, err := structToEvent(msg)
		if err != nil {
			t.logger.Warn("Discarding undecodable backend message", "error", err)
			continue
		}
		deliver(ev)
	}
}

// Ping reports whether the backend stream is currently open.
func (t *GRPCTransport) Ping(_ context.Context) error {
	if !t.link.isUp() {
		return errLinkDown
	}
	return nil
}

// Close closes the client connection.
func (t *GRPCTransport) Close() error {
	if s, up := t.link.close(); up {
		s.mu.Lock()
		_ = s.stream.CloseSend()
		s.mu.Unlock()
	}
	if err := t.conn.Close(); err != nil {
		t.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return msg, nil
}

func structToEvent(msg *structpb.Struct) (Event, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
