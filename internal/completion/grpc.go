package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the unary RPC exposed by the completion sidecar.
// Request and response are google.protobuf.Struct so no generated stubs are needed.
const generateMethod = "/debategym.completion.v1.CompletionService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC provider.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// invoker is the subset of *grpc.ClientConn the provider calls.
type invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// GRPCProvider calls a completion sidecar over gRPC.
type GRPCProvider struct {
	conn   *grpc.ClientConn
	inv    invoker
	addr   string
	logger *slog.Logger
}

// NewGRPCProvider connects to the sidecar and waits until the channel is ready.
func NewGRPCProvider(cfg GRPCConfig, logger *slog.Logger) (*GRPCProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to completion service at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("completion service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to completion service", "address", cfg.Address)

	return &GRPCProvider{conn: conn, inv: conn, addr: cfg.Address, logger: logger}, nil
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

// Generate implements Provider.
func (p *GRPCProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return Completion{}, Fail(ClassServer, err)
	}

	out := &structpb.Struct{}
	if err := p.inv.Invoke(ctx, generateMethod, in, out); err != nil {
		return Completion{}, classifyStatus(err)
	}

	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return Completion{}, Fail(ClassEmpty, errEmpty)
	}
	return Completion{Text: text, Model: out.GetFields()["model"].GetStringValue()}, nil
}

// Close releases the connection.
func (p *GRPCProvider) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, map[string]any{"role": string(t.Role), "content": t.Content})
	}
	return structpb.NewStruct(map[string]any{
		"system":      req.System,
		"history":     history,
		"max_tokens":  float64(req.MaxTokens),
		"temperature": req.Temperature,
		"json":        req.JSON,
		"persona_id":  req.PersonaID,
	})
}

func classifyStatus(err error) *Failure {
	st, ok := status.FromError(err)
	if !ok {
		return Classify(err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return Fail(ClassTimeout, err)
	case codes.ResourceExhausted:
		return Fail(ClassRateLimited, err)
	case codes.Canceled:
		return Fail(ClassTimeout, err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return &Failure{Class: ClassServer, Status: 400, Err: err}
	default:
		return Fail(ClassServer, err)
	}
}
