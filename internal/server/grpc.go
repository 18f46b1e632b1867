package server

import (
	"FlashLever/internal/observability"
	"FlashLever/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	health        *health.Server
	gateway       *runtime.ServeMux
	impl          *queryServer
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	StartTime     time.Time
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	logger := observability.NewLogger("server")
	start := deps.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	impl := &queryServer{qs: deps.QueryService, start: start, ready: deps.HealthChecker}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(logUnary(logger)))
	RegisterQueryServiceServer(grpcServer, impl)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		health:        healthServer,
		gateway:       runtime.NewServeMux(),
		impl:          impl,
		logger:        logger,
	}
	if err := s.registerGateway(); err != nil {
		return nil, err
	}
	return s, nil
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes and health endpoints
// (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler returns the gateway routes plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", s.gateway)
	return httpMux
}

// registerGateway maps REST routes onto the query service. Each route
// builds the same Struct request the gRPC method takes, so both surfaces
// share validation and error codes.
func (s *GRPCServer) registerGateway() error {
	routes := []struct {
		method, pattern string
		call            func(context.Context, *structpb.Struct) (*structpb.Struct, error)
	}{
		{"GET", "/v1/users/{user}/positions", s.impl.ListPositions},
		{"GET", "/v1/users/{user}/positions/{position_id}", s.impl.GetPosition},
		{"GET", "/v1/users/{user}/settlements", s.impl.ListSettlements},
		{"GET", "/v1/markets", s.impl.ListMarkets},
		{"GET", "/v1/quote", s.impl.QuoteLeverage},
		{"GET", "/v1/config", s.impl.GetConfig},
		{"GET", "/v1/stats", s.impl.GetStats},
		{"GET", "/v1/status", s.impl.GetStatus},
	}
	for _, rt := range routes {
		call := rt.call
		err := s.gateway.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			_, outbound := runtime.MarshalerForRequest(s.gateway, r)
			req, err := gatewayRequest(r, params)
			if err != nil {
				runtime.HTTPError(r.Context(), s.gateway, outbound, w, r, err)
				return
			}
			resp, err := call(r.Context(), req)
			if err != nil {
				runtime.HTTPError(r.Context(), s.gateway, outbound, w, r, err)
				return
			}
			runtime.ForwardResponseMessage(r.Context(), s.gateway, outbound, w, r, resp)
		})
		if err != nil {
			return fmt.Errorf("register route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// gatewayRequest merges path parameters and query string values into a
// Struct. Numeric-looking position ids and limits are sent as numbers.
func gatewayRequest(r *http.Request, params map[string]string) (*structpb.Struct, error) {
	fields := make(map[string]any)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	for k, v := range params {
		fields[k] = v
	}
	for _, k := range []string{"position_id", "limit"} {
		v, ok := fields[k].(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %q is not a number", k, v)
		}
		fields[k] = n
	}
	if v, ok := fields["open_only"].(string); ok {
		fields["open_only"] = v == "true" || v == "1"
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request: %v", err)
	}
	return req, nil
}

func logUnary(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

// toStruct renders v through its JSON tags.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps query errors onto gRPC codes.
func toStatus(err error) error {
	switch query.Code(err) {
	case "not_found":
		return status.Error(codes.NotFound, err.Error())
	case "invalid_argument":
		return status.Error(codes.InvalidArgument, err.Error())
	case "unavailable":
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
