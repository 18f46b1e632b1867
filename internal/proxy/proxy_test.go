package proxy_test

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/market"
	"FlashLever/internal/oracle"
	"FlashLever/internal/proxy"
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	engineAddr = common.HexToAddress("0xe000")
	lenderAddr = common.HexToAddress("0xe001")
	loanTok    = common.HexToAddress("0xe002")
	collTok    = common.HexToAddress("0xe003")
	feedAddr   = common.HexToAddress("0xe004")
	alice      = common.HexToAddress("0xa11ce")
	mallory    = common.HexToAddress("0xbad")
)

type stubController struct {
	recovery atomic.Bool
}

func (c *stubController) Address() common.Address { return engineAddr }
func (c *stubController) RecoveryMode() bool      { return c.recovery.Load() }

type fixture struct {
	journal *state.Journal
	tokens  *token.Ledger
	ctrl    *stubController
	factory *proxy.Factory
	params  market.MarketParams
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := state.NewJournal()
	tokens := token.NewLedger(j)
	_ = tokens.Register(loanTok, "LOAN", 18)
	_ = tokens.Register(collTok, "COLL", 18)
	oracles := oracle.NewRegistry()
	oracles.Set(feedAddr, oracle.NewFixed(fpmath.OraclePriceScale))

	lender := market.NewMemory(lenderAddr, tokens, oracles, j)
	params := market.MarketParams{LoanToken: loanTok, CollateralToken: collTok, Oracle: feedAddr, Lltv: uint256.NewInt(8e17)}
	if _, err := lender.CreateMarket(params); err != nil {
		t.Fatal(err)
	}

	ctrl := &stubController{}
	return &fixture{
		journal: j,
		tokens:  tokens,
		ctrl:    ctrl,
		factory: proxy.NewFactory(ctrl, lender, tokens, j),
		params:  params,
	}
}

// ============================================================================
// Test: initialization
// ============================================================================

func TestProxy_InitializeOnce(t *testing.T) {
	f := newFixture(t)
	p, err := f.factory.Create(alice)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Initialized() || p.User() != alice {
		t.Fatalf("proxy not bound to alice: %s", p.User().Hex())
	}

	err = p.Initialize(mallory)
	if !errors.Is(err, proxy.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
	if p.User() != alice {
		t.Errorf("user changed to %s", p.User().Hex())
	}
}

// ============================================================================
// Test: execute authorization
// ============================================================================

func TestProxy_ExecuteAuthorization(t *testing.T) {
	f := newFixture(t)
	p, _ := f.factory.Create(alice)
	_ = f.tokens.Mint(loanTok, p.Address(), uint256.NewInt(10))
	call := proxy.Transfer{Token: loanTok, To: alice, Amount: uint256.NewInt(1)}

	if _, err := p.Execute(engineAddr, call); err != nil {
		t.Fatalf("controller should execute: %v", err)
	}

	// recovery off: user rejected
	if _, err := p.Execute(alice, call); !errors.Is(err, proxy.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	f.ctrl.recovery.Store(true)
	if _, err := p.Execute(alice, call); err != nil {
		t.Fatalf("user should execute in recovery mode: %v", err)
	}
	if _, err := p.Execute(mallory, call); !errors.Is(err, proxy.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized for stranger", err)
	}

	if got := f.tokens.BalanceOf(loanTok, alice).Uint64(); got != 2 {
		t.Errorf("alice received %d, want 2", got)
	}
}

func TestProxy_CallFailureIsWrapped(t *testing.T) {
	f := newFixture(t)
	p, _ := f.factory.Create(alice)

	_, err := p.Execute(engineAddr, proxy.Transfer{Token: loanTok, To: alice, Amount: uint256.NewInt(1)})
	if !errors.Is(err, proxy.ErrCallFailed) {
		t.Fatalf("got %v, want ErrCallFailed", err)
	}
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("downstream cause lost: %v", err)
	}
}

func TestProxy_MarketCallsUseOwnAccount(t *testing.T) {
	f := newFixture(t)
	p, _ := f.factory.Create(alice)
	_ = f.tokens.Mint(collTok, p.Address(), uint256.NewInt(100))

	if _, err := p.Execute(engineAddr, proxy.Approve{Token: collTok, Spender: lenderAddr, Amount: uint256.NewInt(100)}); err != nil {
		t.Fatal(err)
	}
	res, err := p.Execute(engineAddr, proxy.SupplyCollateral{Params: f.params, Assets: uint256.NewInt(100)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Assets.Uint64() != 100 {
		t.Errorf("assets %d, want 100", res.Assets.Uint64())
	}

	_, err = p.Execute(engineAddr, proxy.WithdrawCollateral{Params: f.params, Assets: uint256.NewInt(40), Receiver: engineAddr})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.tokens.BalanceOf(collTok, engineAddr).Uint64(); got != 40 {
		t.Errorf("engine received %d, want 40", got)
	}
}

// ============================================================================
// Test: factory
// ============================================================================

func TestFactory_DeterministicDistinctAddresses(t *testing.T) {
	f := newFixture(t)
	a, _ := f.factory.Create(alice)
	b, _ := f.factory.Create(alice)

	if a.Address() == b.Address() {
		t.Fatal("proxies must not share an address")
	}
	if a.Address() != crypto.CreateAddress(engineAddr, 0) || b.Address() != crypto.CreateAddress(engineAddr, 1) {
		t.Error("addresses should follow the creation nonce")
	}
	got := f.factory.ProxiesOf(alice)
	if len(got) != 2 || got[0] != a.Address() || got[1] != b.Address() {
		t.Errorf("ProxiesOf = %v", got)
	}
}

func TestFactory_RevertForgetsProxy(t *testing.T) {
	f := newFixture(t)
	snap := f.journal.Snapshot()
	p, _ := f.factory.Create(alice)
	f.journal.RevertToSnapshot(snap)

	if f.factory.Count() != 0 {
		t.Errorf("count %d after revert, want 0", f.factory.Count())
	}
	if _, err := f.factory.Get(p.Address()); !errors.Is(err, proxy.ErrUnknownProxy) {
		t.Errorf("got %v, want ErrUnknownProxy", err)
	}
	// nonce rewound: the next proxy reuses the reverted address
	q, _ := f.factory.Create(alice)
	if q.Address() != p.Address() {
		t.Errorf("got %s, want %s", q.Address().Hex(), p.Address().Hex())
	}
}

func TestFactory_RejectsZeroUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.factory.Create(common.Address{}); !errors.Is(err, proxy.ErrZeroAddress) {
		t.Fatalf("got %v, want ErrZeroAddress", err)
	}
}
