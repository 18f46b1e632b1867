package engine

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// Input validation
	ErrZeroAddress     = errors.New("engine: zero address")
	ErrZeroAmount      = errors.New("engine: zero amount")
	ErrUnsupportedPair = errors.New("engine: unsupported collateral/loan pair")
	ErrLtvTooHigh      = errors.New("engine: desired ltv above max ltv")
	ErrInvalidFee      = errors.New("engine: invalid yield fee")
	ErrInvalidDecimals = errors.New("engine: collateral token must use 18 decimals")
	ErrMarketNotFound  = errors.New("engine: market not found in lender")
	ErrPositionIndex   = errors.New("engine: position index out of range")
	ErrPositionClosed  = errors.New("engine: position already closed")

	// Authorization
	ErrUntrustedLender = errors.New("engine: untrusted lender")
	ErrUnauthorized    = errors.New("engine: caller is not the owner")

	// Execution
	ErrReentrant            = errors.New("engine: reentrant callback")
	ErrUnknownAction        = errors.New("engine: unknown action")
	ErrMalformedPayload     = errors.New("engine: malformed action payload")
	ErrInsufficientProceeds = errors.New("engine: swap proceeds do not cover flash loan")

	// Risk
	ErrSlippage = errors.New("engine: slippage above tolerance")
)

// SlippageError reports the LTV reached after the swap exceeding the
// desired LTV plus the slippage buffer. It matches ErrSlippage.
type SlippageError struct {
	Desired *uint256.Int
	Actual  *uint256.Int
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("%s: desired ltv %s, effective ltv %s", ErrSlippage, e.Desired.Dec(), e.Actual.Dec())
}

func (e *SlippageError) Is(target error) bool { return target == ErrSlippage }

// reason maps an error to a short metrics label.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSlippage):
		return "slippage"
	case errors.Is(err, ErrLtvTooHigh):
		return "ltv_too_high"
	case errors.Is(err, ErrUnsupportedPair):
		return "unsupported_pair"
	case errors.Is(err, ErrZeroAddress), errors.Is(err, ErrZeroAmount):
		return "invalid_input"
	case errors.Is(err, ErrPositionIndex), errors.Is(err, ErrPositionClosed):
		return "invalid_position"
	case errors.Is(err, ErrInsufficientProceeds):
		return "insufficient_proceeds"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUntrustedLender):
		return "unauthorized"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	default:
		return "execution"
	}
}
