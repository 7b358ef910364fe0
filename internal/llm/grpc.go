package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name served by a completion sidecar.
// Requests and responses are google.protobuf.Struct values.
const CompleteMethod = "/catalaist.llm.v1.Completion/Complete"

// SidecarService is the health-check service name of the sidecar.
const SidecarService = "catalaist.llm.v1.Completion"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errSidecarResponse          = errors.New("sidecar returned error")
)

// GrpcConfig holds configuration for the sidecar client.
type GrpcConfig struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig() GrpcConfig {
	return GrpcConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient reaches a model hosted by a sidecar process over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GrpcConfig
	logger *slog.Logger
}

// NewGrpcClient connects to the sidecar and waits until it is ready.
func NewGrpcClient(cfg GrpcConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
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
		return nil, fmt.Errorf("failed to connect to LLM sidecar at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("LLM sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to LLM sidecar", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
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

func (c *GrpcClient) Name() string  { return "grpc" }
func (c *GrpcClient) Model() string { return c.cfg.Model }

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

var _ HealthChecker = (*GrpcClient)(nil)

// Health reports whether the sidecar is serving.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: SidecarService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check failed: status %s", resp.GetStatus())
	}
	return nil
}

// Complete sends the request as a Struct and reads text, model and token
// counts back from the response Struct.
func (c *GrpcClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	in, err := structpb.NewStruct(map[string]any{
		"system":      req.System,
		"prompt":      req.Prompt,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"json":        req.JSON,
		"model":       c.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sidecar request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompleteMethod, in, out, grpc.WaitForReady(true)); err != nil {
		return nil, fmt.Errorf("sidecar request failed: %w", err)
	}

	fields := out.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s", errSidecarResponse, msg)
	}
	resp := &Response{
		Text:  fields["text"].GetStringValue(),
		Model: fields["model"].GetStringValue(),
		Usage: Usage{
			PromptTokens:     int(fields["prompt_tokens"].GetNumberValue()),
			CompletionTokens: int(fields["completion_tokens"].GetNumberValue()),
		},
	}
	if resp.Model == "" {
		resp.Model = c.cfg.Model
	}
	if resp.Text == "" {
		return nil, fmt.Errorf("%w: empty completion", errSidecarResponse)
	}
	return resp, nil
}
