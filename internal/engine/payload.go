package engine

import (
	fpmath "FlashLever/internal/math"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ActionTag is the first byte of a flash-loan payload.
type ActionTag uint8

const (
	ActionOpen  ActionTag = 1
	ActionClose ActionTag = 2
)

func (t ActionTag) String() string {
	switch t {
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("action(%d)", uint8(t))
	}
}

// Action is the self-describing context carried across a flash loan.
type Action interface {
	Tag() ActionTag
}

type OpenAction struct {
	User             common.Address
	DesiredLtv       *uint256.Int
	CollateralToken  common.Address
	LoanToken        common.Address
	AmountCollateral *uint256.Int
	SwapInstructions []byte
}

func (OpenAction) Tag() ActionTag { return ActionOpen }

type CloseAction struct {
	User             common.Address
	PositionID       uint64
	SwapInstructions []byte
}

func (CloseAction) Tag() ActionTag { return ActionClose }

// wire forms: rlp has no uint256 support, amounts travel as big.Int
type openWire struct {
	User             common.Address
	DesiredLtv       *big.Int
	CollateralToken  common.Address
	LoanToken        common.Address
	AmountCollateral *big.Int
	SwapInstructions []byte
}

type closeWire struct {
	User             common.Address
	PositionID       uint64
	SwapInstructions []byte
}

// EncodeAction serializes an action as tag || rlp(body).
func EncodeAction(a Action) ([]byte, error) {
	var body interface{}
	switch a := a.(type) {
	case OpenAction:
		body = openWire{
			User:             a.User,
			DesiredLtv:       fpmath.OrZero(a.DesiredLtv).ToBig(),
			CollateralToken:  a.CollateralToken,
			LoanToken:        a.LoanToken,
			AmountCollateral: fpmath.OrZero(a.AmountCollateral).ToBig(),
			SwapInstructions: a.SwapInstructions,
		}
	case CloseAction:
		body = closeWire{
			User:             a.User,
			PositionID:       a.PositionID,
			SwapInstructions: a.SwapInstructions,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}

	enc, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", a.Tag(), err)
	}
	return append([]byte{byte(a.Tag())}, enc...), nil
}

// DecodeAction parses a payload produced by EncodeAction.
func DecodeAction(data []byte) (Action, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	tag, body := ActionTag(data[0]), data[1:]

	switch tag {
	case ActionOpen:
		var w openWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, tag, err)
		}
		ltv, err := toUint256(w.DesiredLtv)
		if err != nil {
			return nil, err
		}
		amount, err := toUint256(w.AmountCollateral)
		if err != nil {
			return nil, err
		}
		return OpenAction{
			User:             w.User,
			DesiredLtv:       ltv,
			CollateralToken:  w.CollateralToken,
			LoanToken:        w.LoanToken,
			AmountCollateral: amount,
			SwapInstructions: w.SwapInstructions,
		}, nil

	case ActionClose:
		var w closeWire
		if err := rlp.DecodeBytes(body, &w); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, tag, err)
		}
		return CloseAction{
			User:             w.User,
			PositionID:       w.PositionID,
			SwapInstructions: w.SwapInstructions,
		}, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownAction, uint8(tag))
	}
}

func toUint256(b *big.Int) (*uint256.Int, error) {
	z := new(uint256.Int)
	if b == nil {
		return z, nil
	}
	if z.SetFromBig(b) {
		return nil, fmt.Errorf("%w: amount overflows 256 bits", ErrMalformedPayload)
	}
	return z, nil
}
