package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// HealthServiceName is the service name reported by the gRPC health server.
const HealthServiceName = "dms.letters"

type requestIDKey struct{}

// NewGRPCServer creates the gRPC server with health checking and reflection
// registered. The returned health server starts SERVING; callers flip it on
// shutdown.
func NewGRPCServer(logger zerolog.Logger) (*grpc.Server, *health.Server) {
	log := logger.With().Str("handler", "grpc").Logger()

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		requestMetadata,
		loggingInterceptor(log),
		errorInterceptor,
	))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv) // Enable reflection for debugging

	return srv, hs
}

// requestMetadata copies x-request-id from incoming metadata into the context
// and echoes it back in the response header.
func requestMetadata(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			ctx = context.WithValue(ctx, requestIDKey{}, ids[0])
			_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", ids[0]))
		}
	}
	return next(ctx, req)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Str("request_id", requestIDFrom(ctx)).
			Dur("latency", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// errorInterceptor converts AppErrors returned by handlers into gRPC statuses.
func errorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
	resp, err := next(ctx, req)
	return resp, mapErrorToGRPC(err)
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errors.GRPCCode(errors.CodeOf(err)), err.Error())
}
