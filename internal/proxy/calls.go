package proxy

import (
	"FlashLever/internal/market"
	"FlashLever/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Env is what a call sees when a proxy forwards it: the proxy's own
// address, acting as caller and market account, and the collaborators.
type Env struct {
	Self   common.Address
	Lender market.Lender
	Tokens *token.Ledger
}

// Result carries whatever amounts the market reported back.
type Result struct {
	Assets *uint256.Int
	Shares *uint256.Int
}

// Call is one operation a proxy may forward.
type Call interface {
	Name() string
	Invoke(env Env) (Result, error)
}

// Approve lets spender pull the proxy's tokens.
type Approve struct {
	Token   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (Approve) Name() string { return "approve" }

func (c Approve) Invoke(env Env) (Result, error) {
	return Result{}, env.Tokens.Approve(c.Token, env.Self, c.Spender, c.Amount)
}

// Transfer moves the proxy's tokens out.
type Transfer struct {
	Token  common.Address
	To     common.Address
	Amount *uint256.Int
}

func (Transfer) Name() string { return "transfer" }

func (c Transfer) Invoke(env Env) (Result, error) {
	return Result{Assets: c.Amount}, env.Tokens.Transfer(c.Token, env.Self, c.To, c.Amount)
}

// SupplyCollateral supplies collateral the proxy holds into its own account.
type SupplyCollateral struct {
	Params market.MarketParams
	Assets *uint256.Int
}

func (SupplyCollateral) Name() string { return "supply_collateral" }

func (c SupplyCollateral) Invoke(env Env) (Result, error) {
	if err := env.Lender.SupplyCollateral(env.Self, c.Params, c.Assets, env.Self); err != nil {
		return Result{}, err
	}
	return Result{Assets: c.Assets}, nil
}

// Borrow borrows against the proxy's account and sends the assets to Receiver.
type Borrow struct {
	Params   market.MarketParams
	Assets   *uint256.Int
	Receiver common.Address
}

func (Borrow) Name() string { return "borrow" }

func (c Borrow) Invoke(env Env) (Result, error) {
	assets, shares, err := env.Lender.Borrow(env.Self, c.Params, c.Assets, env.Self, c.Receiver)
	if err != nil {
		return Result{}, err
	}
	return Result{Assets: assets, Shares: shares}, nil
}

// Repay burns Shares of the proxy's debt, paid from the proxy's balance.
type Repay struct {
	Params market.MarketParams
	Shares *uint256.Int
}

func (Repay) Name() string { return "repay" }

func (c Repay) Invoke(env Env) (Result, error) {
	assets, shares, err := env.Lender.Repay(env.Self, c.Params, c.Shares, env.Self)
	if err != nil {
		return Result{}, err
	}
	return Result{Assets: assets, Shares: shares}, nil
}

// WithdrawCollateral withdraws from the proxy's account to Receiver.
type WithdrawCollateral struct {
	Params   market.MarketParams
	Assets   *uint256.Int
	Receiver common.Address
}

func (WithdrawCollateral) Name() string { return "withdraw_collateral" }

func (c WithdrawCollateral) Invoke(env Env) (Result, error) {
	if err := env.Lender.WithdrawCollateral(env.Self, c.Params, c.Assets, env.Self, c.Receiver); err != nil {
		return Result{}, err
	}
	return Result{Assets: c.Assets}, nil
}
