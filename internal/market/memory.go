package market

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/oracle"
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrMarketNotCreated       = errors.New("market: market not created")
	ErrMarketExists           = errors.New("market: market already created")
	ErrInvalidLltv            = errors.New("market: lltv must be below 1")
	ErrUnauthorized           = errors.New("market: unauthorized")
	ErrZeroAssets             = errors.New("market: zero assets")
	ErrInsufficientCollateral = errors.New("market: insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("market: insufficient liquidity")
	ErrRepayExceedsDebt       = errors.New("market: repay exceeds debt")
	ErrFlashLoanCallback      = errors.New("market: flash loan callback failed")
)

type positionKey struct {
	ID      common.Hash
	Account common.Address
}

// Memory is an in-process lending market. It holds the loan-token liquidity
// and supplied collateral under its own address in the token ledger, keeps
// share-based debt accounting with virtual offsets, accrues interest at a
// per-market per-second rate and issues flash loans.
type Memory struct {
	mu      sync.RWMutex
	address common.Address
	tokens  *token.Ledger
	oracles *oracle.Registry
	journal *state.Journal
	now     func() time.Time

	params    map[common.Hash]MarketParams
	markets   map[common.Hash]*Market
	rates     map[common.Hash]*uint256.Int
	positions map[positionKey]*Position
}

type MemoryOption func(*Memory)

// WithClock overrides the wall clock used for interest accrual.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(address common.Address, tokens *token.Ledger, oracles *oracle.Registry, journal *state.Journal, opts ...MemoryOption) *Memory {
	m := &Memory{
		address:   address,
		tokens:    tokens,
		oracles:   oracles,
		journal:   journal,
		now:       time.Now,
		params:    make(map[common.Hash]MarketParams),
		markets:   make(map[common.Hash]*Market),
		rates:     make(map[common.Hash]*uint256.Int),
		positions: make(map[positionKey]*Position),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Address() common.Address { return m.address }

// CreateMarket registers a market. Not journaled.
func (m *Memory) CreateMarket(params MarketParams) (common.Hash, error) {
	if params.Lltv == nil || params.Lltv.Cmp(fpmath.WAD) >= 0 {
		return common.Hash{}, ErrInvalidLltv
	}
	id := params.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markets[id]; ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrMarketExists, id.Hex())
	}
	m.params[id] = params.Clone()
	m.markets[id] = newMarket(m.now().Unix())
	m.rates[id] = new(uint256.Int)
	return id, nil
}

// SetBorrowRate sets the per-second WAD borrow rate, accruing at the old rate first.
func (m *Memory) SetBorrowRate(id common.Hash, ratePerSecond *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotCreated, id.Hex())
	}
	if err := m.accrue(id, mk); err != nil {
		return err
	}
	prev := m.rates[id]
	m.rates[id] = new(uint256.Int).Set(ratePerSecond)
	m.journal.Append(func() {
		m.mu.Lock()
		m.rates[id] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *Memory) IdToMarketParams(id common.Hash) (MarketParams, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[id]
	if !ok {
		return MarketParams{}, fmt.Errorf("%w: %s", ErrMarketNotCreated, id.Hex())
	}
	return p.Clone(), nil
}

func (m *Memory) Market(id common.Hash) (Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrMarketNotCreated, id.Hex())
	}
	expected := mk.Clone()
	interest, err := m.pendingInterest(id, mk)
	if err != nil {
		return Market{}, err
	}
	expected.TotalBorrowAssets.Add(expected.TotalBorrowAssets, interest)
	expected.TotalSupplyAssets.Add(expected.TotalSupplyAssets, interest)
	expected.LastUpdate = m.now().Unix()
	return expected, nil
}

func (m *Memory) Position(id common.Hash, account common.Address) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.markets[id]; !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrMarketNotCreated, id.Hex())
	}
	p, ok := m.positions[positionKey{id, account}]
	if !ok {
		return newPosition().Clone(), nil
	}
	return p.Clone(), nil
}

func (m *Memory) Oracle(addr common.Address) (oracle.Oracle, error) {
	return m.oracles.Get(addr)
}

// Supply adds lendable loan-token liquidity.
func (m *Memory) Supply(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf common.Address) (*uint256.Int, error) {
	if assets.IsZero() {
		return nil, ErrZeroAssets
	}
	var shares *uint256.Int
	err := m.atomic(func() error {
		id, mk, err := m.lookup(params)
		if err != nil {
			return err
		}
		if err := m.accrue(id, mk); err != nil {
			return err
		}
		shares, err = fpmath.ToSharesDown(assets, mk.TotalSupplyAssets, mk.TotalSupplyShares)
		if err != nil {
			return err
		}

		pos := m.touch(id, onBehalf, mk)
		pos.SupplyShares.Add(pos.SupplyShares, shares)
		mk.TotalSupplyShares.Add(mk.TotalSupplyShares, shares)
		mk.TotalSupplyAssets.Add(mk.TotalSupplyAssets, assets)

		return m.tokens.TransferFrom(params.LoanToken, m.address, caller, m.address, assets)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

func (m *Memory) SupplyCollateral(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf common.Address) error {
	if assets.IsZero() {
		return ErrZeroAssets
	}
	return m.atomic(func() error {
		id, mk, err := m.lookup(params)
		if err != nil {
			return err
		}

		pos := m.touch(id, onBehalf, mk)
		pos.Collateral.Add(pos.Collateral, assets)

		return m.tokens.TransferFrom(params.CollateralToken, m.address, caller, m.address, assets)
	})
}

// Borrow lends assets against onBehalf's collateral. Only the account itself
// may borrow.
func (m *Memory) Borrow(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf, receiver common.Address) (*uint256.Int, *uint256.Int, error) {
	if assets.IsZero() {
		return nil, nil, ErrZeroAssets
	}
	if caller != onBehalf {
		return nil, nil, fmt.Errorf("%w: %s borrowing for %s", ErrUnauthorized, caller.Hex(), onBehalf.Hex())
	}
	var shares *uint256.Int
	err := m.atomic(func() error {
		id, mk, err := m.lookup(params)
		if err != nil {
			return err
		}
		if err := m.accrue(id, mk); err != nil {
			return err
		}

		shares, err = fpmath.ToSharesUp(assets, mk.TotalBorrowAssets, mk.TotalBorrowShares)
		if err != nil {
			return err
		}
		pos := m.touch(id, onBehalf, mk)
		pos.BorrowShares.Add(pos.BorrowShares, shares)
		mk.TotalBorrowShares.Add(mk.TotalBorrowShares, shares)
		mk.TotalBorrowAssets.Add(mk.TotalBorrowAssets, assets)

		if err := m.checkHealthy(params, mk, pos); err != nil {
			return err
		}
		if mk.TotalBorrowAssets.Cmp(mk.TotalSupplyAssets) > 0 {
			return ErrInsufficientLiquidity
		}
		return m.tokens.Transfer(params.LoanToken, m.address, receiver, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).Set(assets), shares, nil
}

// Repay burns shares of onBehalf's debt, pulling the owed assets from caller.
// Anyone may repay for any account.
func (m *Memory) Repay(caller common.Address, params MarketParams, shares *uint256.Int, onBehalf common.Address) (*uint256.Int, *uint256.Int, error) {
	if shares.IsZero() {
		return nil, nil, ErrZeroAssets
	}
	var assets *uint256.Int
	err := m.atomic(func() error {
		id, mk, err := m.lookup(params)
		if err != nil {
			return err
		}
		if err := m.accrue(id, mk); err != nil {
			return err
		}

		pos := m.touch(id, onBehalf, mk)
		if pos.BorrowShares.Cmp(shares) < 0 {
			return fmt.Errorf("%w: %s shares owed, %s repaid", ErrRepayExceedsDebt, pos.BorrowShares.Dec(), shares.Dec())
		}
		assets, err = fpmath.ToAssetsUp(shares, mk.TotalBorrowAssets, mk.TotalBorrowShares)
		if err != nil {
			return err
		}
		pos.BorrowShares.Sub(pos.BorrowShares, shares)
		mk.TotalBorrowShares.Sub(mk.TotalBorrowShares, shares)
		mk.TotalBorrowAssets = fpmath.SubFloor(mk.TotalBorrowAssets, assets)

		return m.tokens.TransferFrom(params.LoanToken, m.address, caller, m.address, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return assets, new(uint256.Int).Set(shares), nil
}

// WithdrawCollateral releases collateral, keeping the account healthy. Only
// the account itself may withdraw.
func (m *Memory) WithdrawCollateral(caller common.Address, params MarketParams, assets *uint256.Int, onBehalf, receiver common.Address) error {
	if assets.IsZero() {
		return ErrZeroAssets
	}
	if caller != onBehalf {
		return fmt.Errorf("%w: %s withdrawing for %s", ErrUnauthorized, caller.Hex(), onBehalf.Hex())
	}
	return m.atomic(func() error {
		id, mk, err := m.lookup(params)
		if err != nil {
			return err
		}
		if err := m.accrue(id, mk); err != nil {
			return err
		}

		pos := m.touch(id, onBehalf, mk)
		if pos.Collateral.Cmp(assets) < 0 {
			return fmt.Errorf("%w: has %s, withdrawing %s", ErrInsufficientCollateral, pos.Collateral.Dec(), assets.Dec())
		}
		pos.Collateral.Sub(pos.Collateral, assets)
		if err := m.checkHealthy(params, mk, pos); err != nil {
			return err
		}
		return m.tokens.Transfer(params.CollateralToken, m.address, receiver, assets)
	})
}

// FlashLoan holds no lock across the callback, which re-enters the market.
// Every effect of the loan, the callback's included, is reverted on failure.
func (m *Memory) FlashLoan(caller common.Address, tok common.Address, assets *uint256.Int, data []byte, receiver FlashLoanReceiver) error {
	if assets.IsZero() {
		return ErrZeroAssets
	}
	snap := m.journal.Snapshot()
	err := func() error {
		if err := m.tokens.Transfer(tok, m.address, caller, assets); err != nil {
			return err
		}
		if err := receiver.OnFlashLoan(m.address, assets, data); err != nil {
			return fmt.Errorf("%w: %w", ErrFlashLoanCallback, err)
		}
		return m.tokens.TransferFrom(tok, m.address, caller, m.address, assets)
	}()
	if err != nil {
		m.journal.RevertToSnapshot(snap)
	}
	return err
}

// atomic runs fn under m.mu and, on failure, reverts everything fn recorded
// once the lock is released (undo closures take the lock themselves).
func (m *Memory) atomic(fn func() error) error {
	snap := m.journal.Snapshot()
	m.mu.Lock()
	err := fn()
	m.mu.Unlock()
	if err != nil {
		m.journal.RevertToSnapshot(snap)
	}
	return err
}

// lookup and the helpers below expect m.mu to be held.
func (m *Memory) lookup(params MarketParams) (common.Hash, *Market, error) {
	id := params.ID()
	mk, ok := m.markets[id]
	if !ok {
		return id, nil, fmt.Errorf("%w: %s", ErrMarketNotCreated, id.Hex())
	}
	return id, mk, nil
}

// touch returns the mutable position for account, journaling its current
// value and that of the market before the caller changes either.
func (m *Memory) touch(id common.Hash, account common.Address, mk *Market) *Position {
	key := positionKey{id, account}
	pos, ok := m.positions[key]
	if !ok {
		pos = newPosition()
		m.positions[key] = pos
		m.journal.Append(func() {
			m.mu.Lock()
			delete(m.positions, key)
			m.mu.Unlock()
		})
	} else {
		prev := pos.Clone()
		m.journal.Append(func() {
			m.mu.Lock()
			*pos = prev
			m.mu.Unlock()
		})
	}
	m.saveMarket(mk)
	return pos
}

func (m *Memory) saveMarket(mk *Market) {
	prev := mk.Clone()
	m.journal.Append(func() {
		m.mu.Lock()
		*mk = prev
		m.mu.Unlock()
	})
}

func (m *Memory) pendingInterest(id common.Hash, mk *Market) (*uint256.Int, error) {
	elapsed := m.now().Unix() - mk.LastUpdate
	rate := m.rates[id]
	if elapsed <= 0 || rate == nil || rate.IsZero() || mk.TotalBorrowAssets.IsZero() {
		return new(uint256.Int), nil
	}
	growth, err := fpmath.TaylorCompounded(rate, uint64(elapsed))
	if err != nil {
		return nil, err
	}
	return fpmath.WMul(mk.TotalBorrowAssets, growth, fpmath.RoundDown)
}

func (m *Memory) accrue(id common.Hash, mk *Market) error {
	now := m.now().Unix()
	if now <= mk.LastUpdate {
		return nil
	}
	interest, err := m.pendingInterest(id, mk)
	if err != nil {
		return err
	}
	m.saveMarket(mk)
	mk.TotalBorrowAssets.Add(mk.TotalBorrowAssets, interest)
	mk.TotalSupplyAssets.Add(mk.TotalSupplyAssets, interest)
	mk.LastUpdate = now
	return nil
}

func (m *Memory) checkHealthy(params MarketParams, mk *Market, pos *Position) error {
	if pos.BorrowShares.IsZero() {
		return nil
	}
	price, err := m.oracles.Price(params.Oracle)
	if err != nil {
		return err
	}
	borrowed, err := fpmath.ToAssetsUp(pos.BorrowShares, mk.TotalBorrowAssets, mk.TotalBorrowShares)
	if err != nil {
		return err
	}
	value, err := fpmath.CollateralValue(pos.Collateral, price, fpmath.RoundDown)
	if err != nil {
		return err
	}
	maxBorrow, err := fpmath.WMul(value, params.Lltv, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if borrowed.Cmp(maxBorrow) > 0 {
		return fmt.Errorf("%w: borrowed %s, max %s", ErrInsufficientCollateral, borrowed.Dec(), maxBorrow.Dec())
	}
	return nil
}
