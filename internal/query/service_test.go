package query_test

import (
	"FlashLever/internal/config"
	"FlashLever/internal/devnet"
	"FlashLever/internal/engine"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"
	"FlashLever/internal/projection"
	"FlashLever/internal/query"
	"FlashLever/internal/swap"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	wstETH   = common.HexToAddress("0x000000000000000000000000000000000000d001")
	weth     = common.HexToAddress("0x000000000000000000000000000000000000d002")
	demoUser = common.HexToAddress("0x000000000000000000000000000000000000f001")
)

type fakeHistory struct {
	limit int
}

func (f *fakeHistory) SettlementsByUser(_ context.Context, user string, limit int) ([]persistence.SettlementRecord, error) {
	f.limit = limit
	return []persistence.SettlementRecord{{
		EventID:   uuid.New(),
		User:      user,
		Fee:       "10",
		SettledAt: time.Unix(1_700_000_000, 0),
	}}, nil
}

func setup(t *testing.T, history query.SettlementHistory) (*query.QueryService, *devnet.World, *projection.Worker) {
	t.Helper()
	b, err := config.LoadBootstrap("../../flashlever.toml")
	if err != nil {
		t.Fatal(err)
	}
	stats := projection.NewWorker(nil)
	w, err := devnet.Build(b, devnet.Options{Sink: engine.SinkFunc(stats.Apply)})
	if err != nil {
		t.Fatal(err)
	}
	m := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	return query.NewQueryService(w.Engine, w.Tokens, history, stats, m), w, stats
}

func openDemo(t *testing.T, w *devnet.World) uint64 {
	t.Helper()
	deposit := uint256.NewInt(1e18)
	if err := w.Tokens.Approve(wstETH, demoUser, w.Engine.Address(), deposit); err != nil {
		t.Fatal(err)
	}
	instr, _ := swap.EncodeInstructions(swap.Instructions{TokenOut: wstETH})
	id, err := w.Engine.Leverage(demoUser, engine.LeverageRequest{
		OnBehalfOf:       demoUser,
		DesiredLtv:       uint256.NewInt(5e17),
		CollateralToken:  wstETH,
		LoanToken:        weth,
		AmountCollateral: deposit,
		SwapInstructions: instr,
	})
	if err != nil {
		t.Fatalf("leverage: %v", err)
	}
	return id
}

// ============================================================================
// Test: positions
// ============================================================================

func TestQueryService_Positions(t *testing.T) {
	qs, w, _ := setup(t, nil)
	ctx := context.Background()
	id := openDemo(t, w)

	all, err := qs.GetPositions(ctx, demoUser.Hex(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Pair != "wstETH/WETH" {
		t.Fatalf("positions: got %+v", all)
	}

	p, err := qs.GetPosition(ctx, demoUser.Hex(), id)
	if err != nil {
		t.Fatal(err)
	}
	if p.DebtAssets == "" || p.DebtAssets == "0" {
		t.Errorf("open position should report debt, got %q", p.DebtAssets)
	}

	_, err = qs.GetPosition(ctx, demoUser.Hex(), 9)
	if !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing position: got %v, want ErrNotFound", err)
	}
	_, err = qs.GetPositions(ctx, "not-an-address", false)
	if !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("bad user: got %v, want ErrInvalidArgument", err)
	}
}

func TestQueryService_MarketsAndConfig(t *testing.T) {
	qs, _, _ := setup(t, nil)
	ctx := context.Background()

	markets, err := qs.GetMarkets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].Lltv != "860000000000000000" {
		t.Fatalf("markets: got %+v", markets)
	}
	if markets[0].MaxLtv != "835000000000000000" {
		t.Errorf("max ltv: got %s, want 835000000000000000", markets[0].MaxLtv)
	}

	cfg, err := qs.GetConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.YieldFee != "100000000000000000" || cfg.RecoveryMode {
		t.Errorf("config: got %+v", cfg)
	}
}

func TestQueryService_QuoteLeverage(t *testing.T) {
	qs, _, _ := setup(t, nil)
	ctx := context.Background()

	// 1 wstETH at 1.15 and 50% LTV borrows 1.15 WETH.
	q, err := qs.QuoteLeverage(ctx, wstETH.Hex(), weth.Hex(), "1000000000000000000", "500000000000000000")
	if err != nil {
		t.Fatal(err)
	}
	if q.FlashLoanAmount != "1150000000000000000" {
		t.Errorf("flash loan: got %s, want 1150000000000000000", q.FlashLoanAmount)
	}

	_, err = qs.QuoteLeverage(ctx, weth.Hex(), wstETH.Hex(), "1", "1")
	if !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown pair: got %v, want ErrNotFound", err)
	}
}

// ============================================================================
// Test: optional sources
// ============================================================================

func TestQueryService_SettlementsUnavailableWithoutHistory(t *testing.T) {
	qs, _, _ := setup(t, nil)
	_, err := qs.GetSettlements(context.Background(), demoUser.Hex(), 10)
	if !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestQueryService_SettlementsClampLimit(t *testing.T) {
	h := &fakeHistory{}
	qs, _, _ := setup(t, h)

	got, err := qs.GetSettlements(context.Background(), demoUser.Hex(), 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if h.limit != query.MaxHistoryLimit {
		t.Errorf("limit: got %d, want %d", h.limit, query.MaxHistoryLimit)
	}
	if len(got) != 1 || got[0].Fee != "10" {
		t.Errorf("settlements: got %+v", got)
	}
}

func TestQueryService_Stats(t *testing.T) {
	qs, w, _ := setup(t, nil)
	openDemo(t, w)

	stats, err := qs.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Opened != 1 || stats[0].Open != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}
