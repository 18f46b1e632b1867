package server_test

import (
	"FlashLever/internal/config"
	"FlashLever/internal/devnet"
	"FlashLever/internal/engine"
	"FlashLever/internal/observability"
	"FlashLever/internal/projection"
	"FlashLever/internal/query"
	"FlashLever/internal/server"
	"FlashLever/internal/swap"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	wstETH   = common.HexToAddress("0x000000000000000000000000000000000000d001")
	weth     = common.HexToAddress("0x000000000000000000000000000000000000d002")
	demoUser = common.HexToAddress("0x000000000000000000000000000000000000f001")
)

func newServer(t *testing.T) (*server.GRPCServer, *devnet.World) {
	t.Helper()
	b, err := config.LoadBootstrap("../../flashlever.toml")
	require.NoError(t, err)
	stats := projection.NewWorker(nil)
	w, err := devnet.Build(b, devnet.Options{Sink: engine.SinkFunc(stats.Apply)})
	require.NoError(t, err)

	m := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv, err := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &server.ServerDeps{
		QueryService:  query.NewQueryService(w.Engine, w.Tokens, nil, stats, m),
		HealthChecker: health,
	})
	require.NoError(t, err)
	return srv, w
}

func openDemo(t *testing.T, w *devnet.World) uint64 {
	t.Helper()
	deposit := uint256.NewInt(1e18)
	require.NoError(t, w.Tokens.Approve(wstETH, demoUser, w.Engine.Address(), deposit))
	instr, err := swap.EncodeInstructions(swap.Instructions{TokenOut: wstETH})
	require.NoError(t, err)
	id, err := w.Engine.Leverage(demoUser, engine.LeverageRequest{
		OnBehalfOf:       demoUser,
		DesiredLtv:       uint256.NewInt(5e17),
		CollateralToken:  wstETH,
		LoanToken:        weth,
		AmountCollateral: deposit,
		SwapInstructions: instr,
	})
	require.NoError(t, err)
	return id
}

func getJSON(t *testing.T, base, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(base + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_Config(t *testing.T) {
	srv, _ := newServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	code, body := getJSON(t, ts.URL, "/v1/config")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "yield_fee")
	require.Equal(t, false, body["recovery_mode"])
}

func TestGateway_PositionLifecycle(t *testing.T) {
	srv, w := newServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	id := openDemo(t, w)

	code, body := getJSON(t, ts.URL, "/v1/users/"+demoUser.Hex()+"/positions?open_only=true")
	require.Equal(t, http.StatusOK, code)
	positions, ok := body["positions"].([]any)
	require.True(t, ok)
	require.Len(t, positions, 1)

	code, body = getJSON(t, ts.URL, "/v1/users/"+demoUser.Hex()+"/positions/"+strconv.FormatUint(id, 10))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["open"])
	require.NotEmpty(t, body["debt_assets"])
}

func TestGateway_ErrorCodes(t *testing.T) {
	srv, _ := newServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown position", "/v1/users/" + demoUser.Hex() + "/positions/9", http.StatusNotFound},
		{"bad address", "/v1/users/nobody/positions", http.StatusBadRequest},
		{"bad position id", "/v1/users/" + demoUser.Hex() + "/positions/abc", http.StatusBadRequest},
		{"no history", "/v1/users/" + demoUser.Hex() + "/settlements", http.StatusServiceUnavailable},
		{"missing quote args", "/v1/quote", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := getJSON(t, ts.URL, tt.path)
			if code != tt.want {
				t.Errorf("got %d, want %d", code, tt.want)
			}
		})
	}
}

func TestGateway_Quote(t *testing.T) {
	srv, _ := newServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	path := "/v1/quote?collateral_token=" + wstETH.Hex() +
		"&loan_token=" + weth.Hex() +
		"&amount_collateral=1000000000000000000&desired_ltv=500000000000000000"
	code, body := getJSON(t, ts.URL, path)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1150000000000000000", body["flash_loan_amount"])
}

func TestGateway_Health(t *testing.T) {
	srv, _ := newServer(t)
	ts := httptest.NewServer(srv.HTTPHandler())
	defer ts.Close()

	code, _ := getJSON(t, ts.URL, "/healthz")
	require.Equal(t, http.StatusOK, code)
	code, body := getJSON(t, ts.URL, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body["status"])
}

// ============================================================================
// Test: gRPC
// ============================================================================

func dial(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return conn
}

func TestGRPC_GetStats(t *testing.T) {
	srv, w := newServer(t)
	conn := dial(t, srv)
	openDemo(t, w)

	out := new(structpb.Struct)
	err := conn.Invoke(context.Background(), "/"+server.ServiceName+"/GetStats", &structpb.Struct{}, out)
	require.NoError(t, err)

	pairs := out.GetFields()["pairs"].GetListValue().GetValues()
	require.Len(t, pairs, 1)
	pair := pairs[0].GetStructValue().GetFields()
	require.Equal(t, float64(1), pair["open"].GetNumberValue())
}

func TestGRPC_NotFound(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv)

	in, err := structpb.NewStruct(map[string]any{"user": demoUser.Hex(), "position_id": 3})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), "/"+server.ServiceName+"/GetPosition", in, new(structpb.Struct))
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_MissingUser(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv)

	err := conn.Invoke(context.Background(), "/"+server.ServiceName+"/ListPositions", &structpb.Struct{}, new(structpb.Struct))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
