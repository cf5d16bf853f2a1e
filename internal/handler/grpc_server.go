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
)

// HealthServiceName is the service name reported by the gRPC health endpoint.
const HealthServiceName = "re.milestones.v1.MilestoneService"

// Pinger checks a dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewGRPCServer builds the gRPC server exposing grpc.health.v1 and reflection.
func NewGRPCServer(logger zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger.With().Str("handler", "grpc").Logger())))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv) // Enable reflection for debugging

	return srv, hs
}

// WatchHealth keeps the health status in line with the database until ctx ends.
func WatchHealth(ctx context.Context, hs *health.Server, db Pinger, interval time.Duration, logger zerolog.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval/2)
		defer cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(pingCtx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn().Err(err).Msg("Database ping failed; reporting NOT_SERVING")
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(HealthServiceName, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}

// loggingInterceptor logs every unary call with its request id, if the
// caller propagated one in metadata.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				requestID = ids[0]
			}
		}
		evt.Str("method", info.FullMethod).
			Str("request_id", requestID).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}
