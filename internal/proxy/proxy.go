package proxy

import (
	"FlashLever/internal/market"
	"FlashLever/internal/state"
	"FlashLever/internal/token"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAlreadyInitialized = errors.New("proxy: already initialized")
	ErrNotInitialized     = errors.New("proxy: not initialized")
	ErrUnauthorized       = errors.New("proxy: unauthorized caller")
	ErrZeroAddress        = errors.New("proxy: zero address")
	ErrCallFailed         = errors.New("proxy: call failed")
	ErrUnknownProxy       = errors.New("proxy: unknown proxy")
)

// Controller is the engine a proxy answers to.
type Controller interface {
	Address() common.Address
	RecoveryMode() bool
}

// Proxy is a per-position identity owning its own market account.
type Proxy struct {
	mu          sync.RWMutex
	address     common.Address
	controller  Controller
	lender      market.Lender
	tokens      *token.Ledger
	journal     *state.Journal
	user        common.Address
	initialized bool
}

func (p *Proxy) Address() common.Address { return p.address }

func (p *Proxy) User() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user
}

func (p *Proxy) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// Initialize binds the proxy to its user. It succeeds exactly once.
func (p *Proxy) Initialize(user common.Address) error {
	if user == (common.Address{}) {
		return ErrZeroAddress
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return fmt.Errorf("%w: %s owned by %s", ErrAlreadyInitialized, p.address.Hex(), p.user.Hex())
	}
	p.user = user
	p.initialized = true
	p.journal.Append(func() {
		p.mu.Lock()
		p.user = common.Address{}
		p.initialized = false
		p.mu.Unlock()
	})
	return nil
}

// Execute forwards call on the proxy's behalf. The controller may always
// execute. The proxy's user may execute only while the controller is in
// recovery mode; in that state the controller's risk checks and fee
// accounting no longer apply to anything the user does through the proxy.
func (p *Proxy) Execute(caller common.Address, call Call) (Result, error) {
	p.mu.RLock()
	initialized, user := p.initialized, p.user
	p.mu.RUnlock()

	if !initialized {
		return Result{}, ErrNotInitialized
	}
	authorized := caller == p.controller.Address() ||
		(caller == user && p.controller.RecoveryMode())
	if !authorized {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrUnauthorized, caller.Hex(), p.address.Hex())
	}

	res, err := call.Invoke(Env{Self: p.address, Lender: p.lender, Tokens: p.tokens})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrCallFailed, call.Name(), err)
	}
	return res, nil
}
