package persistence

import (
	"FlashLever/internal/engine"
	fpmath "FlashLever/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionRecord is a row in flash.positions. Amounts are base-10 strings
// so they bind to NUMERIC(78) without loss.
type PositionRecord struct {
	User                  string
	PositionID            uint64
	Open                  bool
	CollateralToken       string
	LoanToken             string
	Proxy                 string
	AmountCollateral      string
	AmountLeveraged       string
	SharesBorrowed        string
	CollateralInLoanToken string
	FlashLoanAmount       string
	OpenedAt              time.Time
	ClosedAt              *time.Time
}

// SettlementRecord is a row in flash.settlements.
type SettlementRecord struct {
	EventID         uuid.UUID
	User            string
	PositionID      uint64
	LoanToken       string
	FlashLoanAmount string
	TotalReturned   string
	Yield           string
	Fee             string
	UserAmount      string
	SettledAt       time.Time
	EventSequence   uint64
	EventHash       string
}

// Batch is one flush worth of rows.
type Batch struct {
	Positions   []PositionRecord
	Settlements []SettlementRecord
}

func (b *Batch) Len() int { return len(b.Positions) + len(b.Settlements) }

func (b *Batch) Reset() {
	b.Positions = b.Positions[:0]
	b.Settlements = b.Settlements[:0]
}

// Add converts ev into rows. An open produces one position row; a close
// produces the updated position row plus its settlement.
func (b *Batch) Add(ev engine.Event) {
	p := ev.Position
	rec := PositionRecord{
		User:                  p.User.Hex(),
		PositionID:            p.ID,
		Open:                  p.Open,
		CollateralToken:       p.CollateralToken.Hex(),
		LoanToken:             p.LoanToken.Hex(),
		Proxy:                 p.Proxy.Hex(),
		AmountCollateral:      dec(p.AmountCollateral),
		AmountLeveraged:       dec(p.AmountLeveragedCollateral),
		SharesBorrowed:        dec(p.SharesBorrowed),
		CollateralInLoanToken: dec(p.AmountCollateralInLoanToken),
		FlashLoanAmount:       dec(ev.FlashLoanAmount),
		OpenedAt:              p.OpenedAt.UTC(),
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt.UTC()
		rec.ClosedAt = &closed
	}
	b.Positions = append(b.Positions, rec)

	if ev.Type != engine.EventPositionClosed || ev.Settlement == nil {
		return
	}
	s := ev.Settlement
	b.Settlements = append(b.Settlements, SettlementRecord{
		EventID:         ev.ID,
		User:            p.User.Hex(),
		PositionID:      p.ID,
		LoanToken:       p.LoanToken.Hex(),
		FlashLoanAmount: dec(ev.FlashLoanAmount),
		TotalReturned:   dec(s.TotalReturned),
		Yield:           dec(s.Yield),
		Fee:             dec(s.Fee),
		UserAmount:      dec(s.UserAmount),
		SettledAt:       ev.Timestamp.UTC(),
		EventSequence:   ev.Sequence,
		EventHash:       hexutil.Encode(ev.Hash[:]),
	})
}

func dec(v *uint256.Int) string { return fpmath.OrZero(v).Dec() }
