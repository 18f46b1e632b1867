package market

import (
	"FlashLever/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Lender is the lending market the engine builds positions on. Every
// mutating call names the acting account explicitly; the market checks
// authorization against it exactly as an on-chain market would check the
// message sender.
type Lender interface {
	Address() common.Address

	IdToMarketParams(id common.Hash) (MarketParams, error)
	// Market returns the market totals with interest accrued up to now.
	Market(id common.Hash) (Market, error)
	Position(id common.Hash, account common.Address) (Position, error)
	Oracle(addr common.Address) (oracle.Oracle, error)

	SupplyCollateral(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf common.Address) error
	Borrow(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf, receiver common.Address) (*uint256.Int, *uint256.Int, error)
	Repay(caller common.Address, params MarketParams, shares *uint256.Int, onBehalf common.Address) (*uint256.Int, *uint256.Int, error)
	WithdrawCollateral(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf, receiver common.Address) error

	// FlashLoan sends assets of tok to caller, invokes receiver.OnFlashLoan
	// and pulls the same amount back from caller once the callback returns.
	// The whole loan fails if the callback fails or the pull-back does.
	FlashLoan(caller common.Address, tok common.Address, assets *uint256.Int, data []byte, receiver FlashLoanReceiver) error
}

// FlashLoanReceiver is the mandatory synchronous flash-loan callback.
// sender is the address of the market invoking it.
type FlashLoanReceiver interface {
	OnFlashLoan(sender common.Address, assets *uint256.Int, data []byte) error
}
