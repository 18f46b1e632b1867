package engine

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is one leveraged position. Positions are appended per user and
// never removed; closing only flips Open.
type Position struct {
	ID                          uint64
	User                        common.Address
	Open                        bool
	CollateralToken             common.Address
	LoanToken                   common.Address
	AmountCollateral            *uint256.Int   // User deposit, before leverage
	AmountLeveragedCollateral   *uint256.Int   // Deposit plus swapped flash-loan proceeds
	SharesBorrowed              *uint256.Int   // Debt shares owed by Proxy
	Proxy                       common.Address // Dedicated market account
	AmountCollateralInLoanToken *uint256.Int   // Deposit value at open, loan-token units
	OpenedAt                    time.Time
	ClosedAt                    time.Time
}

func (p *Position) Clone() Position {
	c := *p
	c.AmountCollateral = new(uint256.Int).Set(p.AmountCollateral)
	c.AmountLeveragedCollateral = new(uint256.Int).Set(p.AmountLeveragedCollateral)
	c.SharesBorrowed = new(uint256.Int).Set(p.SharesBorrowed)
	c.AmountCollateralInLoanToken = new(uint256.Int).Set(p.AmountCollateralInLoanToken)
	return c
}
