package token

import (
	"FlashLever/internal/state"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrTokenExists           = errors.New("token: already registered")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Metadata describes a registered token.
type Metadata struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

type book struct {
	meta       Metadata
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

// Ledger is an in-memory ERC20-style balance book for every token the
// service handles. Mutations are recorded in the shared journal so an
// enclosing operation can roll them back.
//
// The mutex only protects readers running concurrently with an operation
// (metrics, queries); operations themselves are serialised by the caller.
type Ledger struct {
	mu      sync.RWMutex
	journal *state.Journal
	tokens  map[common.Address]*book
}

func NewLedger(journal *state.Journal) *Ledger {
	return &Ledger{
		journal: journal,
		tokens:  make(map[common.Address]*book),
	}
}

// Register adds a token. Registration is not journaled.
func (l *Ledger) Register(tok common.Address, symbol string, decimals uint8) error {
	if tok == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[tok]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, tok.Hex())
	}
	l.tokens[tok] = &book{
		meta:       Metadata{Address: tok, Symbol: symbol, Decimals: decimals},
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
	return nil
}

func (l *Ledger) Metadata(tok common.Address) (Metadata, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.tokens[tok]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownToken, tok.Hex())
	}
	return b.meta, nil
}

func (l *Ledger) Decimals(tok common.Address) (uint8, error) {
	m, err := l.Metadata(tok)
	return m.Decimals, err
}

func (l *Ledger) Symbol(tok common.Address) (string, error) {
	m, err := l.Metadata(tok)
	return m.Symbol, err
}

// Tokens lists registered token metadata in no particular order.
func (l *Ledger) Tokens() []Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Metadata, 0, len(l.tokens))
	for _, b := range l.tokens {
		out = append(out, b.meta)
	}
	return out
}

// BalanceOf returns a copy of the account's balance; unknown tokens read as zero.
func (l *Ledger) BalanceOf(tok, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	return copyOrZero(b.balances[account])
}

func (l *Ledger) Allowance(tok, owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	return copyOrZero(b.allowances[allowanceKey{owner, spender}])
}

func (l *Ledger) TotalSupply(tok common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(b.supply)
}

// Mint credits new supply to an account. Used for bootstrap and faucets.
func (l *Ledger) Mint(tok, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.book(tok)
	if err != nil {
		return err
	}
	l.setBalance(b, to, new(uint256.Int).Add(copyOrZero(b.balances[to]), amount))
	prev := new(uint256.Int).Set(b.supply)
	b.supply.Add(b.supply, amount)
	l.journal.Append(func() {
		l.mu.Lock()
		b.supply.Set(prev)
		l.mu.Unlock()
	})
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(tok, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.book(tok)
	if err != nil {
		return err
	}
	return l.move(b, from, to, amount)
}

// Approve sets (not increments) the spender's allowance over owner's funds.
func (l *Ledger) Approve(tok, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.book(tok)
	if err != nil {
		return err
	}
	l.setAllowance(b, allowanceKey{owner, spender}, new(uint256.Int).Set(amount))
	return nil
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming allowance. A max-uint256 allowance is never decremented.
func (l *Ledger) TransferFrom(tok, spender, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.book(tok)
	if err != nil {
		return err
	}

	key := allowanceKey{from, spender}
	allowed := copyOrZero(b.allowances[key])
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allowed %s, need %s", ErrInsufficientAllowance, b.meta.Symbol, allowed.Dec(), amount.Dec())
	}
	if err := l.move(b, from, to, amount); err != nil {
		return err
	}
	if !isInfinite(allowed) {
		l.setAllowance(b, key, allowed.Sub(allowed, amount))
	}
	return nil
}

func (l *Ledger) book(tok common.Address) (*book, error) {
	b, ok := l.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tok.Hex())
	}
	return b, nil
}

func (l *Ledger) move(b *book, from, to common.Address, amount *uint256.Int) error {
	fromBal := copyOrZero(b.balances[from])
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s %s has %s, need %s", ErrInsufficientBalance, b.meta.Symbol, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	l.setBalance(b, from, fromBal.Sub(fromBal, amount))
	l.setBalance(b, to, new(uint256.Int).Add(copyOrZero(b.balances[to]), amount))
	return nil
}

func (l *Ledger) setBalance(b *book, account common.Address, v *uint256.Int) {
	prev, had := b.balances[account]
	b.balances[account] = v
	l.journal.Append(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if had {
			b.balances[account] = prev
		} else {
			delete(b.balances, account)
		}
	})
}

func (l *Ledger) setAllowance(b *book, key allowanceKey, v *uint256.Int) {
	prev, had := b.allowances[key]
	b.allowances[key] = v
	l.journal.Append(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if had {
			b.allowances[key] = prev
		} else {
			delete(b.allowances, key)
		}
	})
}

var maxUint256 = new(uint256.Int).SetAllOne()

// MaxAllowance returns the infinite-approval sentinel.
func MaxAllowance() *uint256.Int { return new(uint256.Int).Set(maxUint256) }

func isInfinite(v *uint256.Int) bool { return v.Eq(maxUint256) }

func copyOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
