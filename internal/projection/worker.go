package projection

import (
	"FlashLever/internal/engine"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PairStats aggregates committed events for one collateral/loan pair.
type PairStats struct {
	CollateralToken common.Address
	LoanToken       common.Address
	Opened          uint64
	Closed          uint64
	FlashVolume     *uint256.Int // Sum of flash loans, open and close, loan-token units
	FeesCollected   *uint256.Int
	ReturnedToUsers *uint256.Int
}

func (s PairStats) Open() uint64 { return s.Opened - s.Closed }

type pair struct{ coll, loan common.Address }

// Worker maintains pair statistics from the projection channel. The channel
// is fed with dropping sends, so stats are best-effort; the position ledger
// and Postgres remain authoritative.
type Worker struct {
	input <-chan engine.Event

	mu        sync.RWMutex
	pairs     map[pair]*PairStats
	processed uint64
}

func NewWorker(input <-chan engine.Event) *Worker {
	return &Worker{input: input, pairs: make(map[pair]*PairStats)}
}

// Run applies events until input is closed or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.input:
			if !ok {
				return nil
			}
			w.Apply(ev)
		}
	}
}

func (w *Worker) Apply(ev engine.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := pair{ev.Position.CollateralToken, ev.Position.LoanToken}
	st, ok := w.pairs[k]
	if !ok {
		st = &PairStats{
			CollateralToken: k.coll,
			LoanToken:       k.loan,
			FlashVolume:     new(uint256.Int),
			FeesCollected:   new(uint256.Int),
			ReturnedToUsers: new(uint256.Int),
		}
		w.pairs[k] = st
	}
	if ev.FlashLoanAmount != nil {
		st.FlashVolume.Add(st.FlashVolume, ev.FlashLoanAmount)
	}
	switch ev.Type {
	case engine.EventPositionOpened:
		st.Opened++
	case engine.EventPositionClosed:
		st.Closed++
		if s := ev.Settlement; s != nil {
			st.FeesCollected.Add(st.FeesCollected, s.Fee)
			st.ReturnedToUsers.Add(st.ReturnedToUsers, s.UserAmount)
		}
	}
	w.processed++
}

// Snapshot returns a copy of every pair's stats ordered by collateral then
// loan token.
func (w *Worker) Snapshot() []PairStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]PairStats, 0, len(w.pairs))
	for _, st := range w.pairs {
		c := *st
		c.FlashVolume = new(uint256.Int).Set(st.FlashVolume)
		c.FeesCollected = new(uint256.Int).Set(st.FeesCollected)
		c.ReturnedToUsers = new(uint256.Int).Set(st.ReturnedToUsers)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollateralToken != out[j].CollateralToken {
			return out[i].CollateralToken.Cmp(out[j].CollateralToken) < 0
		}
		return out[i].LoanToken.Cmp(out[j].LoanToken) < 0
	})
	return out
}

// Processed is the number of events applied so far.
func (w *Worker) Processed() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processed
}
