package engine

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/proxy"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func (e *Engine) onlyOwner(caller common.Address) error {
	if caller != e.Owner() {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

func validateFee(fee *uint256.Int) error {
	if fee == nil || fee.IsZero() || fee.Cmp(fpmath.MaxYieldFee) > 0 {
		return fmt.Errorf("%w: %s not in [1, %s]", ErrInvalidFee, fpmath.OrZero(fee).Dec(), fpmath.MaxYieldFee.Dec())
	}
	return nil
}

// RegisterMarket enables the lender market id for leverage. The collateral
// token must use 18 decimals. Re-registering a pair overwrites it.
func (e *Engine) RegisterMarket(caller common.Address, id common.Hash) error {
	return e.atomic("register_market", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		params, err := e.lender.IdToMarketParams(id)
		if err != nil {
			if isMarketMissing(err) {
				return fmt.Errorf("%w: %s", ErrMarketNotFound, id.Hex())
			}
			return err
		}
		collDecimals, err := e.tokens.Decimals(params.CollateralToken)
		if err != nil {
			return err
		}
		if collDecimals != fpmath.WadDecimals {
			return fmt.Errorf("%w: got %d", ErrInvalidDecimals, collDecimals)
		}
		loanDecimals, err := e.tokens.Decimals(params.LoanToken)
		if err != nil {
			return err
		}
		e.setMarket(MarketConfig{Params: params, ID: id, LoanDecimals: loanDecimals})
		e.logger.Info().
			Str("market_id", id.Hex()).
			Str("collateral", params.CollateralToken.Hex()).
			Str("loan", params.LoanToken.Hex()).
			Uint8("loan_decimals", loanDecimals).
			Msg("market registered")
		return nil
	})
}

func (e *Engine) SetTreasury(caller, treasury common.Address) error {
	return e.atomic("set_treasury", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if treasury == (common.Address{}) {
			return ErrZeroAddress
		}
		e.cfgMu.Lock()
		e.treasury = treasury
		e.cfgMu.Unlock()
		return nil
	})
}

// SetYieldFee sets the share of yield paid to the treasury, scaled by the
// loan token's decimals.
func (e *Engine) SetYieldFee(caller common.Address, fee *uint256.Int) error {
	return e.atomic("set_yield_fee", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if err := validateFee(fee); err != nil {
			return err
		}
		e.cfgMu.Lock()
		e.yieldFee = new(uint256.Int).Set(fee)
		e.cfgMu.Unlock()
		return nil
	})
}

// SetRecoveryMode lets users operate their own proxies directly while on.
func (e *Engine) SetRecoveryMode(caller common.Address, on bool) error {
	return e.atomic("set_recovery_mode", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		e.recovery.Store(on)
		e.metrics.SetRecoveryMode(on)
		e.logger.Warn().Bool("recovery_mode", on).Msg("recovery mode changed")
		return nil
	})
}

// RecoverTokens moves a stray balance held by the engine.
func (e *Engine) RecoverTokens(caller, tok, to common.Address, amount *uint256.Int) error {
	return e.atomic("recover_tokens", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if to == (common.Address{}) {
			return ErrZeroAddress
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		return e.tokens.Transfer(tok, e.address, to, amount)
	})
}

func (e *Engine) TransferOwnership(caller, owner common.Address) error {
	return e.atomic("transfer_ownership", func() error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if owner == (common.Address{}) {
			return ErrZeroAddress
		}
		e.cfgMu.Lock()
		e.owner = owner
		e.cfgMu.Unlock()
		return nil
	})
}

// CreateUserProxy allocates an initialized proxy for user outside any
// position.
func (e *Engine) CreateUserProxy(user common.Address) (common.Address, error) {
	var addr common.Address
	err := e.atomic("create_proxy", func() error {
		p, err := e.proxies.Create(user)
		if err != nil {
			if errors.Is(err, proxy.ErrZeroAddress) {
				return ErrZeroAddress
			}
			return err
		}
		addr = p.Address()
		return nil
	})
	return addr, err
}

// ExecuteOnProxy runs call on a proxy serialised with engine operations.
// Authorization is the proxy's own: caller must be the engine, or the
// proxy's user while recovery mode is on.
func (e *Engine) ExecuteOnProxy(caller, proxyAddr common.Address, call proxy.Call) (proxy.Result, error) {
	var res proxy.Result
	err := e.atomic("execute_proxy", func() error {
		p, err := e.proxies.Get(proxyAddr)
		if err != nil {
			return err
		}
		res, err = p.Execute(caller, call)
		return err
	})
	return res, err
}

// recordCommitted updates metrics for an event whose operation committed.
func (e *Engine) recordCommitted(ev Event) {
	pair := e.pairLabel(ev.Position.CollateralToken, ev.Position.LoanToken)
	switch ev.Type {
	case EventPositionOpened:
		e.metrics.PositionOpened(pair)
		e.metrics.ObserveFlashLoan("leverage", toFloat(ev.FlashLoanAmount))
	case EventPositionClosed:
		symbol, _ := e.tokens.Symbol(ev.Position.LoanToken)
		var fee float64
		if ev.Settlement != nil {
			fee = toFloat(ev.Settlement.Fee)
		}
		e.metrics.PositionClosed(pair, symbol, fee)
		e.metrics.ObserveFlashLoan("deleverage", toFloat(ev.FlashLoanAmount))
	}
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
