package engine

import (
	"FlashLever/internal/market"
	"FlashLever/internal/proxy"
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ActionHandler implements what happens inside a flash loan for each
// action. The Manager owns the callback plumbing; the policy lives in the
// handler.
type ActionHandler interface {
	handleOpen(flashAssets *uint256.Int, a OpenAction) error
	handleClose(flashAssets *uint256.Int, a CloseAction) error
}

// MarketConfig is a registered collateral/loan pair.
type MarketConfig struct {
	Params       market.MarketParams
	ID           common.Hash
	LoanDecimals uint8
}

type pairKey struct {
	Collateral common.Address
	Loan       common.Address
}

// Manager authenticates flash-loan callbacks, dispatches them by action tag
// and runs market operations through position proxies.
type Manager struct {
	address common.Address
	lender  market.Lender
	tokens  *token.Ledger
	journal *state.Journal
	proxies *proxy.Factory
	handler ActionHandler

	inCallback atomic.Bool

	mu      sync.RWMutex
	markets map[pairKey]MarketConfig
}

func (m *Manager) Address() common.Address { return m.address }

// OnFlashLoan is the only entry point the lender calls back into.
func (m *Manager) OnFlashLoan(sender common.Address, assets *uint256.Int, data []byte) error {
	if sender != m.lender.Address() {
		return fmt.Errorf("%w: %s", ErrUntrustedLender, sender.Hex())
	}
	if !m.inCallback.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer m.inCallback.Store(false)

	action, err := DecodeAction(data)
	if err != nil {
		return err
	}
	switch a := action.(type) {
	case OpenAction:
		return m.handler.handleOpen(assets, a)
	case CloseAction:
		return m.handler.handleClose(assets, a)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, action)
	}
}

func (m *Manager) marketFor(collateral, loan common.Address) (MarketConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.markets[pairKey{collateral, loan}]
	if !ok {
		return MarketConfig{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, collateral.Hex(), loan.Hex())
	}
	return cfg, nil
}

// setMarket overwrites the pair's registration. Journaled so a failing
// admin call leaves no trace.
func (m *Manager) setMarket(cfg MarketConfig) {
	key := pairKey{cfg.Params.CollateralToken, cfg.Params.LoanToken}
	m.mu.Lock()
	prev, had := m.markets[key]
	m.markets[key] = cfg
	m.mu.Unlock()

	m.journal.Append(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if had {
			m.markets[key] = prev
		} else {
			delete(m.markets, key)
		}
	})
}

// Markets lists every registered pair.
func (m *Manager) Markets() []MarketConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MarketConfig, 0, len(m.markets))
	for _, cfg := range m.markets {
		out = append(out, cfg)
	}
	return out
}

// Proxy-mediated market operations. The engine never touches the lender's
// account-level primitives directly.

func (m *Manager) supplyCollateral(p *proxy.Proxy, cfg MarketConfig, assets *uint256.Int) error {
	if _, err := p.Execute(m.address, proxy.Approve{Token: cfg.Params.CollateralToken, Spender: m.lender.Address(), Amount: assets}); err != nil {
		return err
	}
	_, err := p.Execute(m.address, proxy.SupplyCollateral{Params: cfg.Params, Assets: assets})
	return err
}

func (m *Manager) borrow(p *proxy.Proxy, cfg MarketConfig, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	res, err := p.Execute(m.address, proxy.Borrow{Params: cfg.Params, Assets: assets, Receiver: receiver})
	if err != nil {
		return nil, err
	}
	return res.Shares, nil
}

// repay funds the proxy with assets, burns shares of its debt and sweeps
// whatever loan token the repayment did not consume back to the manager.
func (m *Manager) repay(p *proxy.Proxy, cfg MarketConfig, shares, assets *uint256.Int) error {
	loan := cfg.Params.LoanToken
	if err := m.tokens.Transfer(loan, m.address, p.Address(), assets); err != nil {
		return err
	}
	if _, err := p.Execute(m.address, proxy.Approve{Token: loan, Spender: m.lender.Address(), Amount: assets}); err != nil {
		return err
	}
	if _, err := p.Execute(m.address, proxy.Repay{Params: cfg.Params, Shares: shares}); err != nil {
		return err
	}
	// clear the unspent approval before sweeping
	if _, err := p.Execute(m.address, proxy.Approve{Token: loan, Spender: m.lender.Address(), Amount: new(uint256.Int)}); err != nil {
		return err
	}
	if dust := m.tokens.BalanceOf(loan, p.Address()); !dust.IsZero() {
		if _, err := p.Execute(m.address, proxy.Transfer{Token: loan, To: m.address, Amount: dust}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) withdrawCollateral(p *proxy.Proxy, cfg MarketConfig, assets *uint256.Int, receiver common.Address) error {
	_, err := p.Execute(m.address, proxy.WithdrawCollateral{Params: cfg.Params, Assets: assets, Receiver: receiver})
	return err
}

// liveAccount reads the proxy's current collateral and debt from the lender.
func (m *Manager) liveAccount(p *proxy.Proxy, cfg MarketConfig) (market.Position, error) {
	pos, err := m.lender.Position(cfg.ID, p.Address())
	if err != nil {
		return market.Position{}, err
	}
	return pos, nil
}

func isMarketMissing(err error) bool {
	return errors.Is(err, market.ErrMarketNotCreated)
}
