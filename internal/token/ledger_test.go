package token_test

import (
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newLedger(t *testing.T) (*token.Ledger, *state.Journal) {
	t.Helper()
	j := state.NewJournal()
	l := token.NewLedger(j)
	if err := l.Register(usdc, "USDC", 6); err != nil {
		t.Fatalf("register: %v", err)
	}
	return l, j
}

func TestLedger_MintAndTransfer(t *testing.T) {
	l, _ := newLedger(t)
	if err := l.Mint(usdc, alice, uint256.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(usdc, alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if got := l.BalanceOf(usdc, alice).Uint64(); got != 60 {
		t.Errorf("alice: got %d, want 60", got)
	}
	if got := l.BalanceOf(usdc, bob).Uint64(); got != 40 {
		t.Errorf("bob: got %d, want 40", got)
	}
	if got := l.TotalSupply(usdc).Uint64(); got != 100 {
		t.Errorf("supply: got %d, want 100", got)
	}
}

func TestLedger_TransferInsufficient(t *testing.T) {
	l, _ := newLedger(t)
	err := l.Transfer(usdc, alice, bob, uint256.NewInt(1))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestLedger_TransferFromConsumesAllowance(t *testing.T) {
	l, _ := newLedger(t)
	_ = l.Mint(usdc, alice, uint256.NewInt(100))
	if err := l.Approve(usdc, alice, bob, uint256.NewInt(30)); err != nil {
		t.Fatal(err)
	}

	if err := l.TransferFrom(usdc, bob, alice, bob, uint256.NewInt(20)); err != nil {
		t.Fatal(err)
	}
	if got := l.Allowance(usdc, alice, bob).Uint64(); got != 10 {
		t.Errorf("allowance: got %d, want 10", got)
	}

	err := l.TransferFrom(usdc, bob, alice, bob, uint256.NewInt(20))
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}
}

func TestLedger_InfiniteAllowanceNotDecremented(t *testing.T) {
	l, _ := newLedger(t)
	_ = l.Mint(usdc, alice, uint256.NewInt(100))
	_ = l.Approve(usdc, alice, bob, token.MaxAllowance())

	if err := l.TransferFrom(usdc, bob, alice, bob, uint256.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	if !l.Allowance(usdc, alice, bob).Eq(token.MaxAllowance()) {
		t.Error("infinite allowance should not be decremented")
	}
}

func TestLedger_RevertRestoresBalances(t *testing.T) {
	l, j := newLedger(t)
	_ = l.Mint(usdc, alice, uint256.NewInt(100))

	snap := j.Snapshot()
	_ = l.Transfer(usdc, alice, bob, uint256.NewInt(70))
	_ = l.Approve(usdc, bob, alice, uint256.NewInt(5))
	_ = l.Mint(usdc, bob, uint256.NewInt(1))
	j.RevertToSnapshot(snap)

	if got := l.BalanceOf(usdc, alice).Uint64(); got != 100 {
		t.Errorf("alice: got %d, want 100", got)
	}
	if got := l.BalanceOf(usdc, bob).Uint64(); got != 0 {
		t.Errorf("bob: got %d, want 0", got)
	}
	if got := l.Allowance(usdc, bob, alice).Uint64(); got != 0 {
		t.Errorf("allowance: got %d, want 0", got)
	}
	if got := l.TotalSupply(usdc).Uint64(); got != 100 {
		t.Errorf("supply: got %d, want 100", got)
	}
}

func TestLedger_UnknownTokenAndZeroAddress(t *testing.T) {
	l, _ := newLedger(t)
	other := common.HexToAddress("0xdead")
	if err := l.Mint(other, alice, uint256.NewInt(1)); !errors.Is(err, token.ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
	if err := l.Transfer(usdc, alice, common.Address{}, uint256.NewInt(0)); !errors.Is(err, token.ErrZeroAddress) {
		t.Errorf("got %v, want ErrZeroAddress", err)
	}
	if _, err := l.Decimals(other); !errors.Is(err, token.ErrUnknownToken) {
		t.Errorf("got %v, want ErrUnknownToken", err)
	}
	if err := l.Register(usdc, "USDC", 6); !errors.Is(err, token.ErrTokenExists) {
		t.Errorf("got %v, want ErrTokenExists", err)
	}
}
