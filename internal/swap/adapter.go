package swap

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/oracle"
	"FlashLever/internal/token"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrNoRoute           = errors.New("swap: no route")
	ErrMalformed         = errors.New("swap: malformed instructions")
	ErrMinAmountOut      = errors.New("swap: output below minimum")
	ErrInsufficientFunds = errors.New("swap: insufficient inventory")
	ErrInvalidHaircut    = errors.New("swap: haircut above 100%")
)

const bpsDenominator = 10_000

// Swapper converts amountIn of tokenIn held by caller into another token,
// following an opaque instruction blob the caller supplied. The input is
// pulled through the caller's allowance to Address().
type Swapper interface {
	Address() common.Address
	Swap(caller, tokenIn common.Address, amountIn *uint256.Int, instructions []byte) (*uint256.Int, error)
}

// Instructions is the decoded form of the blob accepted by Router.
type Instructions struct {
	TokenOut     common.Address
	MinAmountOut *uint256.Int
}

type wireInstructions struct {
	TokenOut     common.Address
	MinAmountOut *big.Int
}

// EncodeInstructions RLP-encodes a routing request.
func EncodeInstructions(in Instructions) ([]byte, error) {
	return rlp.EncodeToBytes(wireInstructions{
		TokenOut:     in.TokenOut,
		MinAmountOut: fpmath.OrZero(in.MinAmountOut).ToBig(),
	})
}

func DecodeInstructions(data []byte) (Instructions, error) {
	var w wireInstructions
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return Instructions{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	minOut := new(uint256.Int)
	if w.MinAmountOut != nil {
		if minOut.SetFromBig(w.MinAmountOut) {
			return Instructions{}, fmt.Errorf("%w: min amount overflows", ErrMalformed)
		}
	}
	return Instructions{TokenOut: w.TokenOut, MinAmountOut: minOut}, nil
}

type pair struct {
	In  common.Address
	Out common.Address
}

// route prices Out per In using an oracle quoted as collateral in loan
// units. Inverse routes divide instead of multiply.
type route struct {
	feed    oracle.Oracle
	inverse bool
}

// Router is an oracle-priced swap venue over an inventory held at its own
// address. A configurable haircut in basis points models execution slippage.
type Router struct {
	mu        sync.RWMutex
	address   common.Address
	tokens    *token.Ledger
	routes    map[pair]route
	haircutBp uint64
}

func NewRouter(address common.Address, tokens *token.Ledger) *Router {
	return &Router{
		address: address,
		tokens:  tokens,
		routes:  make(map[pair]route),
	}
}

func (r *Router) Address() common.Address { return r.address }

// AddMarket wires both directions between a collateral and a loan token
// priced by feed.
func (r *Router) AddMarket(collateral, loan common.Address, feed oracle.Oracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[pair{collateral, loan}] = route{feed: feed}
	r.routes[pair{loan, collateral}] = route{feed: feed, inverse: true}
}

// SetHaircut sets the fraction of every output withheld, in basis points.
func (r *Router) SetHaircut(bps uint64) error {
	if bps > bpsDenominator {
		return fmt.Errorf("%w: %d", ErrInvalidHaircut, bps)
	}
	r.mu.Lock()
	r.haircutBp = bps
	r.mu.Unlock()
	return nil
}

func (r *Router) Haircut() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.haircutBp
}

// Quote returns what Swap would pay out, before the minimum check.
func (r *Router) Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	r.mu.RLock()
	rt, ok := r.routes[pair{tokenIn, tokenOut}]
	haircut := r.haircutBp
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRoute, tokenIn.Hex(), tokenOut.Hex())
	}

	price, err := rt.feed.Price()
	if err != nil {
		return nil, err
	}
	var out *uint256.Int
	if rt.inverse {
		out, err = fpmath.MulDiv(amountIn, fpmath.OraclePriceScale, price, fpmath.RoundDown)
	} else {
		out, err = fpmath.CollateralValue(amountIn, price, fpmath.RoundDown)
	}
	if err != nil {
		return nil, err
	}
	if haircut == 0 {
		return out, nil
	}
	return fpmath.MulDiv(out, uint256.NewInt(bpsDenominator-haircut), uint256.NewInt(bpsDenominator), fpmath.RoundDown)
}

func (r *Router) Swap(caller, tokenIn common.Address, amountIn *uint256.Int, instructions []byte) (*uint256.Int, error) {
	in, err := DecodeInstructions(instructions)
	if err != nil {
		return nil, err
	}
	out, err := r.Quote(tokenIn, in.TokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if out.Cmp(in.MinAmountOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", ErrMinAmountOut, out.Dec(), in.MinAmountOut.Dec())
	}
	if inv := r.tokens.BalanceOf(in.TokenOut, r.address); inv.Cmp(out) < 0 {
		return nil, fmt.Errorf("%w: holds %s, owes %s", ErrInsufficientFunds, inv.Dec(), out.Dec())
	}

	if !amountIn.IsZero() {
		if err := r.tokens.TransferFrom(tokenIn, r.address, caller, r.address, amountIn); err != nil {
			return nil, err
		}
	}
	if !out.IsZero() {
		if err := r.tokens.Transfer(in.TokenOut, r.address, caller, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
