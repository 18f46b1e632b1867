package projection_test

import (
	"FlashLever/internal/engine"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/projection"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	coll  = common.HexToAddress("0x2002")
	loanA = common.HexToAddress("0x2001")
	loanB = common.HexToAddress("0x2003")
)

func event(typ engine.EventType, loan common.Address, flash uint64, fee uint64) engine.Event {
	ev := engine.Event{
		Type:            typ,
		Position:        engine.Position{CollateralToken: coll, LoanToken: loan},
		FlashLoanAmount: uint256.NewInt(flash),
	}
	if typ == engine.EventPositionClosed {
		ev.Settlement = &fpmath.Settlement{Fee: uint256.NewInt(fee), UserAmount: uint256.NewInt(100)}
	}
	return ev
}

func TestWorker_Aggregates(t *testing.T) {
	in := make(chan engine.Event, 8)
	in <- event(engine.EventPositionOpened, loanA, 100, 0)
	in <- event(engine.EventPositionOpened, loanA, 50, 0)
	in <- event(engine.EventPositionClosed, loanA, 100, 7)
	in <- event(engine.EventPositionOpened, loanB, 10, 0)
	close(in)

	w := projection.NewWorker(in)
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := w.Snapshot()
	if len(stats) != 2 {
		t.Fatalf("pairs: got %d, want 2", len(stats))
	}
	a := stats[0]
	if a.LoanToken != loanA {
		t.Fatalf("order: got %s first, want loan A", a.LoanToken.Hex())
	}
	if a.Opened != 2 || a.Closed != 1 || a.Open() != 1 {
		t.Errorf("counts: got %d/%d/%d, want 2/1/1", a.Opened, a.Closed, a.Open())
	}
	if a.FlashVolume.Uint64() != 250 {
		t.Errorf("volume: got %d, want 250", a.FlashVolume.Uint64())
	}
	if a.FeesCollected.Uint64() != 7 {
		t.Errorf("fees: got %d, want 7", a.FeesCollected.Uint64())
	}
	if w.Processed() != 4 {
		t.Errorf("processed: got %d, want 4", w.Processed())
	}
}

func TestWorker_SnapshotIsACopy(t *testing.T) {
	w := projection.NewWorker(nil)
	w.Apply(event(engine.EventPositionOpened, loanA, 100, 0))

	snap := w.Snapshot()
	snap[0].FlashVolume.SetUint64(0)

	if got := w.Snapshot()[0].FlashVolume.Uint64(); got != 100 {
		t.Errorf("volume: got %d, want 100", got)
	}
}
