package engine_test

import (
	"FlashLever/internal/engine"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestPayload_OpenCarriesFullContext(t *testing.T) {
	in := engine.OpenAction{
		User:             common.HexToAddress("0xb001"),
		DesiredLtv:       uint256.NewInt(5e17),
		CollateralToken:  common.HexToAddress("0x2002"),
		LoanToken:        common.HexToAddress("0x2001"),
		AmountCollateral: uint256.NewInt(100),
		SwapInstructions: []byte{0xca, 0xfe},
	}
	data, err := engine.EncodeAction(in)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != byte(engine.ActionOpen) {
		t.Fatalf("tag: got %d, want %d", data[0], engine.ActionOpen)
	}

	got, err := engine.DecodeAction(data)
	if err != nil {
		t.Fatal(err)
	}
	open, ok := got.(engine.OpenAction)
	if !ok {
		t.Fatalf("got %T, want OpenAction", got)
	}
	if open.User != in.User || open.LoanToken != in.LoanToken || open.CollateralToken != in.CollateralToken {
		t.Errorf("addresses did not survive: %+v", open)
	}
	if !open.DesiredLtv.Eq(in.DesiredLtv) || !open.AmountCollateral.Eq(in.AmountCollateral) {
		t.Errorf("amounts did not survive: ltv %s amount %s", open.DesiredLtv, open.AmountCollateral)
	}
	if string(open.SwapInstructions) != string(in.SwapInstructions) {
		t.Errorf("instructions: got %x, want %x", open.SwapInstructions, in.SwapInstructions)
	}
}

func TestPayload_Close(t *testing.T) {
	data, err := engine.EncodeAction(engine.CloseAction{User: common.HexToAddress("0xb001"), PositionID: 7})
	if err != nil {
		t.Fatal(err)
	}
	got, err := engine.DecodeAction(data)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := got.(engine.CloseAction)
	if !ok || c.PositionID != 7 {
		t.Errorf("got %+v, want close of position 7", got)
	}
}

func TestPayload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, engine.ErrMalformedPayload},
		{"unknown tag", []byte{9, 0xc0}, engine.ErrUnknownAction},
		{"truncated body", []byte{byte(engine.ActionOpen), 0xf8}, engine.ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.DecodeAction(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
