package oracle_test

import (
	"FlashLever/internal/oracle"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestFixed_SetAndRead(t *testing.T) {
	f := oracle.NewFixed(nil)
	if _, err := f.Price(); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("got %v, want ErrNoPrice", err)
	}

	f.SetPrice(uint256.NewInt(42))
	p, err := f.Price()
	if err != nil {
		t.Fatal(err)
	}
	p.SetUint64(0) // returned value is a copy
	p, _ = f.Price()
	if p.Uint64() != 42 {
		t.Errorf("got %d, want 42", p.Uint64())
	}
}

func TestRegistry_Price(t *testing.T) {
	r := oracle.NewRegistry()
	addr := common.HexToAddress("0x0c")
	r.Set(addr, oracle.NewFixed(uint256.NewInt(7)))

	p, err := r.Price(addr)
	if err != nil {
		t.Fatal(err)
	}
	if p.Uint64() != 7 {
		t.Errorf("got %d, want 7", p.Uint64())
	}

	if _, err := r.Price(common.HexToAddress("0x0d")); !errors.Is(err, oracle.ErrUnknownOracle) {
		t.Errorf("got %v, want ErrUnknownOracle", err)
	}
}
