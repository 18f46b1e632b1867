package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoPrice       = errors.New("oracle: no price")
	ErrUnknownOracle = errors.New("oracle: unknown oracle")
)

// Oracle quotes one collateral unit in loan-token units scaled by 1e36:
// value = amount * Price() / 1e36.
type Oracle interface {
	Price() (*uint256.Int, error)
}

// Fixed is a settable price feed.
type Fixed struct {
	mu    sync.RWMutex
	price *uint256.Int
}

func NewFixed(price *uint256.Int) *Fixed {
	f := &Fixed{}
	if price != nil {
		f.price = new(uint256.Int).Set(price)
	}
	return f
}

func (f *Fixed) Price() (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil || f.price.IsZero() {
		return nil, ErrNoPrice
	}
	return new(uint256.Int).Set(f.price), nil
}

func (f *Fixed) SetPrice(price *uint256.Int) {
	f.mu.Lock()
	f.price = new(uint256.Int).Set(price)
	f.mu.Unlock()
}

// Registry resolves oracle addresses, as stored in market parameters, to feeds.
type Registry struct {
	mu    sync.RWMutex
	feeds map[common.Address]Oracle
}

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[common.Address]Oracle)}
}

func (r *Registry) Set(addr common.Address, o Oracle) {
	r.mu.Lock()
	r.feeds[addr] = o
	r.mu.Unlock()
}

func (r *Registry) Get(addr common.Address) (Oracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.feeds[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOracle, addr.Hex())
	}
	return o, nil
}

// Price looks up the feed at addr and reads it.
func (r *Registry) Price(addr common.Address) (*uint256.Int, error) {
	o, err := r.Get(addr)
	if err != nil {
		return nil, err
	}
	return o.Price()
}
