package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MarketParams identifies a lending market.
type MarketParams struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	Irm             common.Address // Interest rate model
	Lltv            *uint256.Int   // Liquidation LTV, WAD
}

// ID is keccak256 over the five parameters, each as a 32-byte word.
func (p MarketParams) ID() common.Hash {
	lltv := uint256.NewInt(0)
	if p.Lltv != nil {
		lltv = p.Lltv
	}
	word := lltv.Bytes32()
	return crypto.Keccak256Hash(
		common.LeftPadBytes(p.LoanToken.Bytes(), 32),
		common.LeftPadBytes(p.CollateralToken.Bytes(), 32),
		common.LeftPadBytes(p.Oracle.Bytes(), 32),
		common.LeftPadBytes(p.Irm.Bytes(), 32),
		word[:],
	)
}

// IsZero reports whether the params are unset, as returned for an unknown id.
func (p MarketParams) IsZero() bool {
	return p.LoanToken == (common.Address{}) && p.CollateralToken == (common.Address{}) &&
		p.Oracle == (common.Address{}) && p.Irm == (common.Address{}) &&
		(p.Lltv == nil || p.Lltv.IsZero())
}

func (p MarketParams) Clone() MarketParams {
	c := p
	if p.Lltv != nil {
		c.Lltv = new(uint256.Int).Set(p.Lltv)
	}
	return c
}

// Market holds the aggregate totals of one market.
type Market struct {
	TotalSupplyAssets *uint256.Int
	TotalSupplyShares *uint256.Int
	TotalBorrowAssets *uint256.Int
	TotalBorrowShares *uint256.Int
	LastUpdate        int64 // unix seconds
	Fee               *uint256.Int
}

func newMarket(now int64) *Market {
	return &Market{
		TotalSupplyAssets: new(uint256.Int),
		TotalSupplyShares: new(uint256.Int),
		TotalBorrowAssets: new(uint256.Int),
		TotalBorrowShares: new(uint256.Int),
		LastUpdate:        now,
		Fee:               new(uint256.Int),
	}
}

func (m *Market) Clone() Market {
	return Market{
		TotalSupplyAssets: new(uint256.Int).Set(m.TotalSupplyAssets),
		TotalSupplyShares: new(uint256.Int).Set(m.TotalSupplyShares),
		TotalBorrowAssets: new(uint256.Int).Set(m.TotalBorrowAssets),
		TotalBorrowShares: new(uint256.Int).Set(m.TotalBorrowShares),
		LastUpdate:        m.LastUpdate,
		Fee:               new(uint256.Int).Set(m.Fee),
	}
}

// Position is one account's standing in a market.
type Position struct {
	SupplyShares *uint256.Int
	BorrowShares *uint256.Int
	Collateral   *uint256.Int
}

func newPosition() *Position {
	return &Position{
		SupplyShares: new(uint256.Int),
		BorrowShares: new(uint256.Int),
		Collateral:   new(uint256.Int),
	}
}

func (p *Position) Clone() Position {
	return Position{
		SupplyShares: new(uint256.Int).Set(p.SupplyShares),
		BorrowShares: new(uint256.Int).Set(p.BorrowShares),
		Collateral:   new(uint256.Int).Set(p.Collateral),
	}
}
