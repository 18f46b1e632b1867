package ingestion

import (
	"FlashLever/internal/config"
	"FlashLever/internal/engine"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrMalformedCommand = errors.New("ingestion: malformed command")

type CommandType string

const (
	CommandLeverage   CommandType = "leverage"
	CommandDeleverage CommandType = "deleverage"
)

// RawCommand is an inbound message before parsing. Exactly one of AckFunc
// or NakFunc is called once the command has been handled.
type RawCommand struct {
	Type      CommandType
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// Command is a parsed request for one engine operation. Swap instructions
// are either supplied verbatim or built from MinAmountOut by the dispatcher.
type Command struct {
	Type      CommandType
	RequestID uuid.UUID
	Caller    common.Address

	Leverage engine.LeverageRequest

	PositionID uint64

	SwapInstructions []byte
	MinAmountOut     *uint256.Int
}

// --- JSON wire formats ---
// Amounts are base-10 strings in native token units; addresses and the
// optional instruction blob are 0x-prefixed hex.

type leverageJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	OnBehalfOf       string `json:"on_behalf_of"`
	DesiredLtv       string `json:"desired_ltv"`
	CollateralToken  string `json:"collateral_token"`
	LoanToken        string `json:"loan_token"`
	AmountCollateral string `json:"amount_collateral"`
	SwapInstructions string `json:"swap_instructions,omitempty"`
	MinAmountOut     string `json:"min_amount_out,omitempty"`
}

type deleverageJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	PositionID       uint64 `json:"position_id"`
	SwapInstructions string `json:"swap_instructions,omitempty"`
	MinAmountOut     string `json:"min_amount_out,omitempty"`
}

// ParseCommand decodes and validates a command payload of type kind.
func ParseCommand(kind CommandType, data []byte) (Command, error) {
	switch kind {
	case CommandLeverage:
		return parseLeverage(data)
	case CommandDeleverage:
		return parseDeleverage(data)
	default:
		return Command{}, fmt.Errorf("%w: unknown command type %q", ErrMalformedCommand, kind)
	}
}

func parseLeverage(data []byte) (Command, error) {
	var j leverageJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("%w: parse leverage: %v", ErrMalformedCommand, err)
	}
	cmd := Command{Type: CommandLeverage}
	var err error
	if cmd.RequestID, err = parseRequestID(j.RequestID); err != nil {
		return Command{}, err
	}
	if cmd.Caller, err = parseAddress("caller", j.Caller); err != nil {
		return Command{}, err
	}
	req := &cmd.Leverage
	req.OnBehalfOf = cmd.Caller
	if j.OnBehalfOf != "" {
		if req.OnBehalfOf, err = parseAddress("on_behalf_of", j.OnBehalfOf); err != nil {
			return Command{}, err
		}
	}
	if req.CollateralToken, err = parseAddress("collateral_token", j.CollateralToken); err != nil {
		return Command{}, err
	}
	if req.LoanToken, err = parseAddress("loan_token", j.LoanToken); err != nil {
		return Command{}, err
	}
	if req.DesiredLtv, err = parseAmount("desired_ltv", j.DesiredLtv); err != nil {
		return Command{}, err
	}
	if req.AmountCollateral, err = parseAmount("amount_collateral", j.AmountCollateral); err != nil {
		return Command{}, err
	}
	if err := parseSwap(&cmd, j.SwapInstructions, j.MinAmountOut); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func parseDeleverage(data []byte) (Command, error) {
	var j deleverageJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("%w: parse deleverage: %v", ErrMalformedCommand, err)
	}
	cmd := Command{Type: CommandDeleverage, PositionID: j.PositionID}
	var err error
	if cmd.RequestID, err = parseRequestID(j.RequestID); err != nil {
		return Command{}, err
	}
	if cmd.Caller, err = parseAddress("caller", j.Caller); err != nil {
		return Command{}, err
	}
	if err := parseSwap(&cmd, j.SwapInstructions, j.MinAmountOut); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func parseRequestID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse request_id: %v", ErrMalformedCommand, err)
	}
	return id, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s: %q is not an address", ErrMalformedCommand, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := config.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, field, err)
	}
	return v, nil
}

func parseSwap(cmd *Command, instructions, minOut string) error {
	if instructions != "" {
		b, err := hexutil.Decode(instructions)
		if err != nil {
			return fmt.Errorf("%w: swap_instructions: %v", ErrMalformedCommand, err)
		}
		cmd.SwapInstructions = b
		return nil
	}
	v, err := parseAmount("min_amount_out", minOut)
	if err != nil {
		return err
	}
	cmd.MinAmountOut = v
	return nil
}
