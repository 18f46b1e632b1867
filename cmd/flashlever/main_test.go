package main

import (
	"FlashLever/internal/config"
	"FlashLever/internal/devnet"
	"FlashLever/internal/engine"
	"FlashLever/internal/ingestion"
	"FlashLever/internal/observability"
	"FlashLever/internal/token"
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test: event fan-out
// ============================================================================

func TestFanOut_DeliversAndCloses(t *testing.T) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	sink := engine.NewChannelSink(8)
	persist := make(chan engine.Event, 8)
	publish := make(chan engine.Event, 1)
	project := make(chan engine.Event, 8)

	for i := 0; i < 3; i++ {
		sink.Publish(engine.Event{ID: uuid.New(), Type: engine.EventPositionOpened})
	}
	sink.Close()
	fanOut(sink, persist, publish, project, metrics)

	if got := len(persist); got != 3 {
		t.Errorf("persist got %d, want 3", got)
	}
	if got := len(project); got != 3 {
		t.Errorf("project got %d, want 3", got)
	}
	if got := len(publish); got != 1 {
		t.Errorf("publish got %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PublishDrops); got != 2 {
		t.Errorf("publish drops got %v, want 2", got)
	}

	for range persist {
	}
	if _, ok := <-persist; ok {
		t.Error("persist channel not closed")
	}
}

func TestFanOut_NilChannelsSkipped(t *testing.T) {
	sink := engine.NewChannelSink(2)
	project := make(chan engine.Event, 2)
	sink.Publish(engine.Event{ID: uuid.New(), Type: engine.EventPositionClosed})
	sink.Close()

	fanOut(sink, nil, nil, project, nil)

	if got := len(project); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

// ============================================================================
// Test: startup replay
// ============================================================================

type fakeLog []ingestion.RawCommand

func (f fakeLog) Replayable(context.Context) ([]ingestion.RawCommand, error) { return f, nil }

func TestReplay_RestoresPositionsIntoProjectionOnly(t *testing.T) {
	boot, err := config.LoadBootstrap("../../flashlever.toml")
	if err != nil {
		t.Fatal(err)
	}
	// a one-slot sink only works if replay drains it concurrently
	sink := engine.NewChannelSink(1)
	w, err := devnet.Build(boot, devnet.Options{Sink: sink})
	if err != nil {
		t.Fatal(err)
	}

	demo := common.HexToAddress("0x000000000000000000000000000000000000f001")
	wstETH := common.HexToAddress("0x000000000000000000000000000000000000d001")
	weth := common.HexToAddress("0x000000000000000000000000000000000000d002")
	if err := w.Tokens.Approve(wstETH, demo, w.Engine.Address(), token.MaxAllowance()); err != nil {
		t.Fatal(err)
	}

	var log fakeLog
	for i := 0; i < 2; i++ {
		data := fmt.Sprintf(`{"request_id":%q,"caller":%q,"desired_ltv":"500000000000000000",`+
			`"collateral_token":%q,"loan_token":%q,"amount_collateral":"1000000000000000000","min_amount_out":"0"}`,
			uuid.NewString(), demo.Hex(), wstETH.Hex(), weth.Hex())
		log = append(log, ingestion.RawCommand{
			Type:    ingestion.CommandLeverage,
			Subject: ingestion.CommandSubject(ingestion.CommandLeverage, demo),
			Data:    []byte(data),
		})
	}

	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	d := ingestion.NewDispatcher(w.Engine, ingestion.NewDeduper(16, nil, metrics), nil, metrics)
	project := make(chan engine.Event, 8)

	stats, err := replay(context.Background(), log, d, sink, project)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 2 || stats.Diverged != 0 {
		t.Fatalf("stats: got %+v, want 2 applied", stats)
	}
	if got := w.Engine.PositionCount(demo); got != 2 {
		t.Errorf("positions: got %d, want 2", got)
	}
	if got := len(project); got != 2 {
		t.Errorf("projected events: got %d, want 2", got)
	}
	if sink.Len() != 0 {
		t.Errorf("sink should be drained, has %d", sink.Len())
	}
	if seq, _ := w.Engine.ChainTip(); seq != 2 {
		t.Errorf("event sequence: got %d, want 2", seq)
	}
}
