package ingestion_test

import (
	"FlashLever/internal/ingestion"
	"FlashLever/internal/swap"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

const (
	requestID = "550e8400-e29b-41d4-a716-446655440000"
	caller    = "0x000000000000000000000000000000000000b001"
	coll      = "0x0000000000000000000000000000000000002002"
	loan      = "0x0000000000000000000000000000000000002001"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func leveragePayload() map[string]interface{} {
	return map[string]interface{}{
		"request_id":        requestID,
		"caller":            caller,
		"desired_ltv":       "500000000000000000",
		"collateral_token":  coll,
		"loan_token":        loan,
		"amount_collateral": "1_000",
		"min_amount_out":    "990",
	}
}

func TestParseLeverage(t *testing.T) {
	cmd, err := ingestion.ParseCommand(ingestion.CommandLeverage, mustJSON(t, leveragePayload()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.RequestID.String() != requestID {
		t.Errorf("request id: got %s, want %s", cmd.RequestID, requestID)
	}
	if cmd.Leverage.OnBehalfOf != common.HexToAddress(caller) {
		t.Errorf("on_behalf_of should default to caller, got %s", cmd.Leverage.OnBehalfOf.Hex())
	}
	if cmd.Leverage.AmountCollateral.Uint64() != 1000 {
		t.Errorf("amount: got %d, want 1000", cmd.Leverage.AmountCollateral.Uint64())
	}
	if cmd.Leverage.DesiredLtv.Uint64() != 5e17 {
		t.Errorf("ltv: got %d, want 5e17", cmd.Leverage.DesiredLtv.Uint64())
	}
	if cmd.MinAmountOut.Uint64() != 990 || cmd.SwapInstructions != nil {
		t.Errorf("swap: got min %v instructions %x", cmd.MinAmountOut, cmd.SwapInstructions)
	}
}

func TestParseDeleverage_RawInstructions(t *testing.T) {
	blob, err := swap.EncodeInstructions(swap.Instructions{
		TokenOut:     common.HexToAddress(loan),
		MinAmountOut: uint256.NewInt(7),
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]interface{}{
		"request_id":        requestID,
		"caller":            caller,
		"position_id":       3,
		"swap_instructions": hexutil.Encode(blob),
	}
	cmd, err := ingestion.ParseCommand(ingestion.CommandDeleverage, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.PositionID != 3 {
		t.Errorf("position: got %d, want 3", cmd.PositionID)
	}
	got, err := swap.DecodeInstructions(cmd.SwapInstructions)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinAmountOut.Uint64() != 7 {
		t.Errorf("min out: got %d, want 7", got.MinAmountOut.Uint64())
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	with := func(key string, v interface{}) []byte {
		p := leveragePayload()
		p[key] = v
		return mustJSON(t, p)
	}
	tests := []struct {
		name string
		kind ingestion.CommandType
		data []byte
	}{
		{"unknown type", "liquidate", mustJSON(t, leveragePayload())},
		{"not json", ingestion.CommandLeverage, []byte("{")},
		{"bad request id", ingestion.CommandLeverage, with("request_id", "nope")},
		{"bad caller", ingestion.CommandLeverage, with("caller", "0x12")},
		{"bad amount", ingestion.CommandLeverage, with("amount_collateral", "-5")},
		{"bad hex", ingestion.CommandLeverage, with("swap_instructions", "zz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.kind, tt.data)
			if !errors.Is(err, ingestion.ErrMalformedCommand) {
				t.Errorf("got %v, want ErrMalformedCommand", err)
			}
		})
	}
}
