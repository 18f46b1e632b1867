package engine

import (
	fpmath "FlashLever/internal/math"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LeverageRequest opens a position for OnBehalfOf funded by the caller's
// AmountCollateral.
type LeverageRequest struct {
	OnBehalfOf       common.Address
	DesiredLtv       *uint256.Int
	CollateralToken  common.Address
	LoanToken        common.Address
	AmountCollateral *uint256.Int
	SwapInstructions []byte
}

// Leverage pulls the deposit from caller, flash-borrows the loan token and
// opens a new position for req.OnBehalfOf. It returns the new position id.
func (e *Engine) Leverage(caller common.Address, req LeverageRequest) (uint64, error) {
	var id uint64
	err := e.atomic("leverage", func() error {
		if req.OnBehalfOf == (common.Address{}) || caller == (common.Address{}) {
			return ErrZeroAddress
		}
		if req.AmountCollateral == nil || req.AmountCollateral.IsZero() {
			return ErrZeroAmount
		}
		cfg, err := e.marketFor(req.CollateralToken, req.LoanToken)
		if err != nil {
			return err
		}
		ltv := fpmath.OrZero(req.DesiredLtv)
		maxLtv, err := fpmath.MaxLtv(cfg.Params.Lltv)
		if err != nil {
			return err
		}
		if ltv.Cmp(maxLtv) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrLtvTooHigh, ltv.Dec(), maxLtv.Dec())
		}

		if err := e.tokens.TransferFrom(req.CollateralToken, e.address, caller, e.address, req.AmountCollateral); err != nil {
			return fmt.Errorf("pull collateral: %w", err)
		}

		price, err := e.price(cfg)
		if err != nil {
			return err
		}
		loan, err := fpmath.LeverageFlashLoan(req.AmountCollateral, price, cfg.LoanDecimals, ltv)
		if err != nil {
			return err
		}
		if loan.IsZero() {
			return fmt.Errorf("%w: flash loan rounds to zero", ErrZeroAmount)
		}

		payload, err := EncodeAction(OpenAction{
			User:             req.OnBehalfOf,
			DesiredLtv:       ltv,
			CollateralToken:  req.CollateralToken,
			LoanToken:        req.LoanToken,
			AmountCollateral: req.AmountCollateral,
			SwapInstructions: req.SwapInstructions,
		})
		if err != nil {
			return err
		}
		if err := e.lender.FlashLoan(e.address, req.LoanToken, loan, payload, e.Manager); err != nil {
			return err
		}
		id = e.lastOpened
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Deleverage closes the caller's position with a flash loan sized to its
// current debt and settles the proceeds.
func (e *Engine) Deleverage(caller common.Address, positionID uint64, swapInstructions []byte) (*fpmath.Settlement, error) {
	var out *fpmath.Settlement
	err := e.atomic("deleverage", func() error {
		pos, err := e.Position(caller, positionID)
		if err != nil {
			return err
		}
		if !pos.Open {
			return fmt.Errorf("%w: %d", ErrPositionClosed, positionID)
		}
		cfg, err := e.marketFor(pos.CollateralToken, pos.LoanToken)
		if err != nil {
			return err
		}
		flash, err := e.debtAssets(cfg, pos.SharesBorrowed)
		if err != nil {
			return err
		}

		payload, err := EncodeAction(CloseAction{
			User:             caller,
			PositionID:       positionID,
			SwapInstructions: swapInstructions,
		})
		if err != nil {
			return err
		}
		e.lastClosed = nil
		if err := e.lender.FlashLoan(e.address, pos.LoanToken, flash, payload, e.Manager); err != nil {
			return err
		}
		out = e.lastClosed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) handleOpen(flashAssets *uint256.Int, a OpenAction) error {
	cfg, err := e.marketFor(a.CollateralToken, a.LoanToken)
	if err != nil {
		return err
	}
	price, err := e.price(cfg)
	if err != nil {
		return err
	}

	swapped, err := e.swapInto(a.LoanToken, a.CollateralToken, flashAssets, a.SwapInstructions)
	if err != nil {
		return err
	}
	leveraged, err := fpmath.Add(a.AmountCollateral, swapped)
	if err != nil {
		return err
	}

	actual, err := fpmath.EffectiveLtv(flashAssets, leveraged, price, cfg.LoanDecimals)
	if err != nil {
		return err
	}
	limit, err := fpmath.Add(a.DesiredLtv, fpmath.SlippageBuffer)
	if err != nil {
		return err
	}
	if actual.Cmp(limit) > 0 {
		return &SlippageError{Desired: new(uint256.Int).Set(a.DesiredLtv), Actual: actual}
	}

	p, err := e.proxies.Create(a.User)
	if err != nil {
		return err
	}
	if err := e.tokens.Transfer(a.CollateralToken, e.address, p.Address(), leveraged); err != nil {
		return err
	}
	if err := e.supplyCollateral(p, cfg, leveraged); err != nil {
		return err
	}
	shares, err := e.borrow(p, cfg, flashAssets, e.address)
	if err != nil {
		return err
	}
	// the lender pulls the flash loan back once we return
	if err := e.tokens.Approve(a.LoanToken, e.address, e.lender.Address(), flashAssets); err != nil {
		return err
	}

	depositValue, err := fpmath.CollateralValue(a.AmountCollateral, price, fpmath.RoundDown)
	if err != nil {
		return err
	}
	now := e.now()
	pos := &Position{
		User:                        a.User,
		Open:                        true,
		CollateralToken:             a.CollateralToken,
		LoanToken:                   a.LoanToken,
		AmountCollateral:            new(uint256.Int).Set(a.AmountCollateral),
		AmountLeveragedCollateral:   leveraged,
		SharesBorrowed:              new(uint256.Int).Set(shares),
		Proxy:                       p.Address(),
		AmountCollateralInLoanToken: depositValue,
		OpenedAt:                    now,
	}
	e.appendPosition(pos)
	e.lastOpened = pos.ID

	e.emit(Event{
		ID:              uuid.New(),
		Type:            EventPositionOpened,
		Timestamp:       now,
		User:            a.User,
		PositionID:      pos.ID,
		Position:        pos.Clone(),
		FlashLoanAmount: new(uint256.Int).Set(flashAssets),
	})
	e.logger.Info().
		Str("user", a.User.Hex()).
		Uint64("position_id", pos.ID).
		Str("proxy", p.Address().Hex()).
		Str("flash_loan", flashAssets.Dec()).
		Str("leveraged_collateral", leveraged.Dec()).
		Str("effective_ltv", actual.Dec()).
		Msg("position opened")
	return nil
}

func (e *Engine) handleClose(flashAssets *uint256.Int, a CloseAction) error {
	pos, err := e.positionRef(a.User, a.PositionID)
	if err != nil {
		return err
	}
	if !pos.Open {
		return fmt.Errorf("%w: %d", ErrPositionClosed, a.PositionID)
	}
	cfg, err := e.marketFor(pos.CollateralToken, pos.LoanToken)
	if err != nil {
		return err
	}
	p, err := e.proxies.Get(pos.Proxy)
	if err != nil {
		return err
	}
	live, err := e.liveAccount(p, cfg)
	if err != nil {
		return err
	}

	// loan-token balance we held before the flash loan arrived
	base := fpmath.SubFloor(e.tokens.BalanceOf(pos.LoanToken, e.address), flashAssets)

	if shares := fpmath.Min(pos.SharesBorrowed, live.BorrowShares); !shares.IsZero() {
		if err := e.repay(p, cfg, shares, flashAssets); err != nil {
			return err
		}
	}
	withdrawn := fpmath.Min(pos.AmountLeveragedCollateral, live.Collateral)
	if !withdrawn.IsZero() {
		if err := e.withdrawCollateral(p, cfg, withdrawn, e.address); err != nil {
			return err
		}
		if _, err := e.swapInto(pos.CollateralToken, pos.LoanToken, withdrawn, a.SwapInstructions); err != nil {
			return err
		}
	}

	proceeds := fpmath.SubFloor(e.tokens.BalanceOf(pos.LoanToken, e.address), base)
	if proceeds.Cmp(flashAssets) < 0 {
		return fmt.Errorf("%w: have %s, owe %s", ErrInsufficientProceeds, proceeds.Dec(), flashAssets.Dec())
	}
	returned := new(uint256.Int).Sub(proceeds, flashAssets)

	settlement, err := fpmath.YieldFee(returned, pos.AmountCollateralInLoanToken, e.YieldFee(), cfg.LoanDecimals)
	if err != nil {
		return err
	}
	now := e.now()
	e.markClosed(pos, now)

	if !settlement.Fee.IsZero() {
		if err := e.tokens.Transfer(pos.LoanToken, e.address, e.Treasury(), settlement.Fee); err != nil {
			return fmt.Errorf("pay fee: %w", err)
		}
	}
	if !settlement.UserAmount.IsZero() {
		if err := e.tokens.Transfer(pos.LoanToken, e.address, pos.User, settlement.UserAmount); err != nil {
			return fmt.Errorf("pay user: %w", err)
		}
	}
	if err := e.tokens.Approve(pos.LoanToken, e.address, e.lender.Address(), flashAssets); err != nil {
		return err
	}
	e.lastClosed = &settlement

	e.emit(Event{
		ID:              uuid.New(),
		Type:            EventPositionClosed,
		Timestamp:       now,
		User:            pos.User,
		PositionID:      pos.ID,
		Position:        pos.Clone(),
		FlashLoanAmount: new(uint256.Int).Set(flashAssets),
		Settlement:      &settlement,
	})
	e.logger.Info().
		Str("user", pos.User.Hex()).
		Uint64("position_id", pos.ID).
		Str("returned", settlement.TotalReturned.Dec()).
		Str("yield", settlement.Yield.Dec()).
		Str("fee", settlement.Fee.Dec()).
		Msg("position closed")
	return nil
}

// swapInto sells amount of tokenIn through the swapper and returns how much
// tokenOut the engine actually gained.
func (e *Engine) swapInto(tokenIn, tokenOut common.Address, amount *uint256.Int, instructions []byte) (*uint256.Int, error) {
	if err := e.tokens.Approve(tokenIn, e.address, e.swapper.Address(), amount); err != nil {
		return nil, err
	}
	before := e.tokens.BalanceOf(tokenOut, e.address)
	if _, err := e.swapper.Swap(e.address, tokenIn, amount, instructions); err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	return fpmath.SubFloor(e.tokens.BalanceOf(tokenOut, e.address), before), nil
}

// CalcLeverageFlashLoan returns the flash loan Leverage would take for the
// given deposit and target LTV at the current oracle price.
func (e *Engine) CalcLeverageFlashLoan(collateral, loan common.Address, amountCollateral, desiredLtv *uint256.Int) (*uint256.Int, error) {
	cfg, err := e.marketFor(collateral, loan)
	if err != nil {
		return nil, err
	}
	price, err := e.price(cfg)
	if err != nil {
		return nil, err
	}
	return fpmath.LeverageFlashLoan(fpmath.OrZero(amountCollateral), price, cfg.LoanDecimals, fpmath.OrZero(desiredLtv))
}

// CalcDeleverageFlashLoan returns the flash loan needed to discharge the
// position's debt at current interest.
func (e *Engine) CalcDeleverageFlashLoan(user common.Address, positionID uint64) (*uint256.Int, error) {
	pos, err := e.Position(user, positionID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.marketFor(pos.CollateralToken, pos.LoanToken)
	if err != nil {
		return nil, err
	}
	return e.debtAssets(cfg, pos.SharesBorrowed)
}

func (e *Engine) debtAssets(cfg MarketConfig, shares *uint256.Int) (*uint256.Int, error) {
	mk, err := e.lender.Market(cfg.ID)
	if err != nil {
		return nil, err
	}
	return fpmath.ToAssetsUp(shares, mk.TotalBorrowAssets, mk.TotalBorrowShares)
}

func (e *Engine) price(cfg MarketConfig) (*uint256.Int, error) {
	feed, err := e.lender.Oracle(cfg.Params.Oracle)
	if err != nil {
		return nil, err
	}
	return feed.Price()
}
