package server

import (
	"FlashLever/internal/observability"
	"FlashLever/internal/query"
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "flashlever.query.v1.QueryService"

// QueryServiceServer is the read API. Requests and responses are
// google.protobuf.Struct messages whose fields mirror the JSON types in
// package query.
type QueryServiceServer interface {
	ListPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMarkets(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QuoteLeverage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSettlements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterQueryServiceServer(s grpc.ServiceRegistrar, srv QueryServiceServer) {
	s.RegisterService(&QueryServiceDesc, srv)
}

type structMethod func(QueryServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(QueryServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ListPositions", QueryServiceServer.ListPositions),
		unaryMethod("GetPosition", QueryServiceServer.GetPosition),
		unaryMethod("ListMarkets", QueryServiceServer.ListMarkets),
		unaryMethod("GetConfig", QueryServiceServer.GetConfig),
		unaryMethod("QuoteLeverage", QueryServiceServer.QuoteLeverage),
		unaryMethod("ListSettlements", QueryServiceServer.ListSettlements),
		unaryMethod("GetStats", QueryServiceServer.GetStats),
		unaryMethod("GetStatus", QueryServiceServer.GetStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flashlever/query/v1/query.proto",
}

// ==============================
// Query Service Implementation
// ==============================

type queryServer struct {
	qs    *query.QueryService
	start time.Time
	ready *observability.HealthChecker
}

func (s *queryServer) ListPositions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireString(req, "user")
	if err != nil {
		return nil, err
	}
	positions, err := s.qs.GetPositions(ctx, user, boolField(req, "open_only"))
	if err != nil {
		return nil, toStatus(err)
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return toStruct(map[string]any{"positions": positions})
}

func (s *queryServer) GetPosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireString(req, "user")
	if err != nil {
		return nil, err
	}
	id, err := uintField(req, "position_id")
	if err != nil {
		return nil, err
	}
	pos, err := s.qs.GetPosition(ctx, user, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(pos)
}

func (s *queryServer) ListMarkets(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	markets, err := s.qs.GetMarkets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if markets == nil {
		markets = []query.MarketResponse{}
	}
	return toStruct(map[string]any{"markets": markets})
}

func (s *queryServer) GetConfig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := s.qs.GetConfig(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(cfg)
}

func (s *queryServer) QuoteLeverage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var args [4]string
	for i, k := range []string{"collateral_token", "loan_token", "amount_collateral", "desired_ltv"} {
		v, err := requireString(req, k)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	quote, err := s.qs.QuoteLeverage(ctx, args[0], args[1], args[2], args[3])
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(quote)
}

func (s *queryServer) ListSettlements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireString(req, "user")
	if err != nil {
		return nil, err
	}
	limit, err := uintField(req, "limit")
	if err != nil {
		return nil, err
	}
	rows, err := s.qs.GetSettlements(ctx, user, int(limit))
	if err != nil {
		return nil, toStatus(err)
	}
	if rows == nil {
		rows = []query.SettlementResponse{}
	}
	return toStruct(map[string]any{"settlements": rows})
}

func (s *queryServer) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.qs.GetStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if stats == nil {
		stats = []query.PairStatsResponse{}
	}
	return toStruct(map[string]any{"pairs": stats})
}

func (s *queryServer) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ready := true
	checks := map[string]string{}
	if s.ready != nil {
		ready = s.ready.IsReady()
		checks = s.ready.Check(ctx)
	}
	return toStruct(map[string]any{
		"ready":          ready,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"checks":         checks,
	})
}

// --- request helpers ---

func requireString(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

func boolField(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

// uintField reads an optional non-negative integer; absent means zero.
func uintField(req *structpb.Struct, key string) (uint64, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue < 0 || n.NumberValue != float64(uint64(n.NumberValue)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
	}
	return uint64(n.NumberValue), nil
}
