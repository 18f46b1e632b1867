package swap_test

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/oracle"
	"FlashLever/internal/state"
	"FlashLever/internal/swap"
	"FlashLever/internal/token"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	routerAddr = common.HexToAddress("0x5000")
	weth       = common.HexToAddress("0x5001")
	usdc       = common.HexToAddress("0x5002")
	trader     = common.HexToAddress("0x5003")
)

// 1 WETH (18 dec) = 2000 USDC (6 dec): 2000e6 * 1e36 / 1e18
func wethPrice() *uint256.Int {
	p, _ := uint256.FromDecimal("2000000000000000000000000000")
	return p
}

func newRouter(t *testing.T) (*swap.Router, *token.Ledger) {
	t.Helper()
	tokens := token.NewLedger(state.NewJournal())
	_ = tokens.Register(weth, "WETH", 18)
	_ = tokens.Register(usdc, "USDC", 6)

	r := swap.NewRouter(routerAddr, tokens)
	r.AddMarket(weth, usdc, oracle.NewFixed(wethPrice()))

	inv, _ := uint256.FromDecimal("1000000000000000000000")
	_ = tokens.Mint(weth, routerAddr, inv)
	_ = tokens.Mint(usdc, routerAddr, uint256.NewInt(1_000_000_000_000))
	return r, tokens
}

func mustInstr(t *testing.T, out common.Address, minOut uint64) []byte {
	t.Helper()
	b, err := swap.EncodeInstructions(swap.Instructions{TokenOut: out, MinAmountOut: uint256.NewInt(minOut)})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRouter_SwapBothDirections(t *testing.T) {
	r, tokens := newRouter(t)
	oneEth := new(uint256.Int).Set(fpmath.WAD)
	_ = tokens.Mint(weth, trader, oneEth)
	_ = tokens.Approve(weth, trader, routerAddr, token.MaxAllowance())
	_ = tokens.Approve(usdc, trader, routerAddr, token.MaxAllowance())

	out, err := r.Swap(trader, weth, oneEth, mustInstr(t, usdc, 0))
	if err != nil {
		t.Fatal(err)
	}
	if out.Uint64() != 2_000_000_000 {
		t.Errorf("got %d USDC units, want 2000000000", out.Uint64())
	}

	back, err := r.Swap(trader, usdc, out, mustInstr(t, weth, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !back.Eq(oneEth) {
		t.Errorf("got %s wei back, want %s", back.Dec(), oneEth.Dec())
	}
	if bal := tokens.BalanceOf(usdc, trader); !bal.IsZero() {
		t.Errorf("trader still holds %s USDC", bal.Dec())
	}
}

func TestRouter_HaircutAndMinOut(t *testing.T) {
	r, tokens := newRouter(t)
	_ = tokens.Mint(weth, trader, fpmath.WAD)
	_ = tokens.Approve(weth, trader, routerAddr, token.MaxAllowance())
	if err := r.SetHaircut(100); err != nil { // 1%
		t.Fatal(err)
	}

	q, err := r.Quote(weth, usdc, fpmath.WAD)
	if err != nil {
		t.Fatal(err)
	}
	if q.Uint64() != 1_980_000_000 {
		t.Errorf("quote %d, want 1980000000", q.Uint64())
	}

	_, err = r.Swap(trader, weth, fpmath.WAD, mustInstr(t, usdc, 1_990_000_000))
	if !errors.Is(err, swap.ErrMinAmountOut) {
		t.Fatalf("got %v, want ErrMinAmountOut", err)
	}
	if got := tokens.BalanceOf(weth, trader); !got.Eq(fpmath.WAD) {
		t.Error("failed swap should not pull input")
	}

	if err := r.SetHaircut(10_001); !errors.Is(err, swap.ErrInvalidHaircut) {
		t.Errorf("got %v, want ErrInvalidHaircut", err)
	}
}

func TestRouter_Errors(t *testing.T) {
	r, _ := newRouter(t)
	if _, err := r.Swap(trader, weth, uint256.NewInt(1), []byte{0xff, 0x00}); !errors.Is(err, swap.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
	other := common.HexToAddress("0xbeef")
	if _, err := r.Swap(trader, weth, uint256.NewInt(1), mustInstr(t, other, 0)); !errors.Is(err, swap.ErrNoRoute) {
		t.Errorf("got %v, want ErrNoRoute", err)
	}
}

func TestRouter_InsufficientInventory(t *testing.T) {
	r, tokens := newRouter(t)
	huge, _ := uint256.FromDecimal("1000000000000000000000000")
	_ = tokens.Mint(weth, trader, huge)
	_ = tokens.Approve(weth, trader, routerAddr, token.MaxAllowance())
	_, err := r.Swap(trader, weth, huge, mustInstr(t, usdc, 0))
	if !errors.Is(err, swap.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestInstructions_Decode(t *testing.T) {
	b := mustInstr(t, usdc, 42)
	got, err := swap.DecodeInstructions(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.TokenOut != usdc || got.MinAmountOut.Uint64() != 42 {
		t.Errorf("got %+v", got)
	}
}
