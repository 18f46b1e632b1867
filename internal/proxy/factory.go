package proxy

import (
	"FlashLever/internal/market"
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Factory allocates proxies. Addresses are derived from the controller
// address and a creation nonce, so they are deterministic and never reused.
type Factory struct {
	mu         sync.RWMutex
	controller Controller
	lender     market.Lender
	tokens     *token.Ledger
	journal    *state.Journal

	nonce   uint64
	proxies map[common.Address]*Proxy
	byUser  map[common.Address][]common.Address
}

func NewFactory(controller Controller, lender market.Lender, tokens *token.Ledger, journal *state.Journal) *Factory {
	return &Factory{
		controller: controller,
		lender:     lender,
		tokens:     tokens,
		journal:    journal,
		proxies:    make(map[common.Address]*Proxy),
		byUser:     make(map[common.Address][]common.Address),
	}
}

// Create allocates a fresh proxy and initializes it for user.
func (f *Factory) Create(user common.Address) (*Proxy, error) {
	if user == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	f.mu.Lock()
	nonce := f.nonce
	addr := crypto.CreateAddress(f.controller.Address(), nonce)
	p := &Proxy{
		address:    addr,
		controller: f.controller,
		lender:     f.lender,
		tokens:     f.tokens,
		journal:    f.journal,
	}
	f.nonce++
	f.proxies[addr] = p
	f.byUser[user] = append(f.byUser[user], addr)
	f.mu.Unlock()

	f.journal.Append(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nonce = nonce
		delete(f.proxies, addr)
		list := f.byUser[user]
		if len(list) <= 1 {
			delete(f.byUser, user)
		} else {
			f.byUser[user] = list[:len(list)-1]
		}
	})

	if err := p.Initialize(user); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *Factory) Get(addr common.Address) (*Proxy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.proxies[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProxy, addr.Hex())
	}
	return p, nil
}

// ProxiesOf lists the user's proxies in creation order.
func (f *Factory) ProxiesOf(user common.Address) []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]common.Address(nil), f.byUser[user]...)
}

func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.proxies)
}
