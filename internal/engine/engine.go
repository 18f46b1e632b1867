package engine

import (
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/market"
	"FlashLever/internal/observability"
	"FlashLever/internal/proxy"
	"FlashLever/internal/state"
	"FlashLever/internal/swap"
	"FlashLever/internal/token"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Config is the construction-time protocol configuration.
type Config struct {
	Address  common.Address // The engine's own account
	Owner    common.Address
	Treasury common.Address
	YieldFee *uint256.Int // Optional; zero until set
}

// Deps are the collaborators the engine operates on. Tokens and Journal
// must be shared with Lender and Swapper so a failed operation rolls back
// everything it touched.
type Deps struct {
	Lender  market.Lender
	Swapper swap.Swapper
	Tokens  *token.Ledger
	Journal *state.Journal
	Sink    EventSink
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Engine opens and closes leveraged positions with flash loans. Public
// operations are serialised; each one either completes fully or is rolled
// back. The position ledger and protocol configuration are readable
// concurrently with a running operation.
type Engine struct {
	*Manager

	opMu    sync.Mutex
	inOp    atomic.Bool // set while an operation holds opMu
	swapper swap.Swapper
	sink    EventSink
	chain   *EventChain
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	cfgMu    sync.RWMutex
	owner    common.Address
	treasury common.Address
	yieldFee *uint256.Int
	recovery atomic.Bool

	posMu     sync.RWMutex
	positions map[common.Address][]*Position
	openCount int

	// scratch state of the running operation, guarded by opMu
	pending    []Event
	lastOpened uint64
	lastClosed *fpmath.Settlement
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) || cfg.Treasury == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if deps.Lender == nil || deps.Swapper == nil || deps.Tokens == nil || deps.Journal == nil {
		return nil, fmt.Errorf("engine: lender, swapper, tokens and journal are required")
	}

	e := &Engine{
		swapper:   deps.Swapper,
		sink:      deps.Sink,
		chain:     NewEventChain(),
		metrics:   deps.Metrics,
		now:       deps.Now,
		owner:     cfg.Owner,
		treasury:  cfg.Treasury,
		yieldFee:  new(uint256.Int),
		positions: make(map[common.Address][]*Position),
	}
	if deps.Logger != nil {
		e.logger = *deps.Logger
	} else {
		e.logger = observability.NewLogger("engine")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if cfg.YieldFee != nil && !cfg.YieldFee.IsZero() {
		if err := validateFee(cfg.YieldFee); err != nil {
			return nil, err
		}
		e.yieldFee = new(uint256.Int).Set(cfg.YieldFee)
	}

	e.Manager = &Manager{
		address: cfg.Address,
		lender:  deps.Lender,
		tokens:  deps.Tokens,
		journal: deps.Journal,
		handler: e,
		markets: make(map[pairKey]MarketConfig),
	}
	e.Manager.proxies = proxy.NewFactory(e, deps.Lender, deps.Tokens, deps.Journal)
	return e, nil
}

// atomic runs one public operation: serialised, rolled back on any error
// or panic, with its events delivered only after it succeeded. An
// operation started while another is in flight fails with ErrReentrant
// rather than waiting on opMu, so a collaborator calling back into the
// engine mid-operation cannot deadlock it.
func (e *Engine) atomic(op string, fn func() error) error {
	if e.inOp.Load() {
		return fmt.Errorf("%s: %w", op, ErrReentrant)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.inOp.Store(true)
	defer e.inOp.Store(false)

	started := time.Now()
	e.pending = e.pending[:0]

	err := e.journal.Atomic(fn)
	e.metrics.ObserveOp(op, started, reason(err))
	if err != nil {
		e.pending = e.pending[:0]
		e.logger.Warn().Str("op", op).Err(err).Msg("operation rolled back")
		return err
	}
	// committed: nothing can revert past this point
	e.journal.Reset()

	for i := range e.pending {
		ev := &e.pending[i]
		e.chain.Append(ev)
		e.recordCommitted(*ev)
		if e.sink != nil {
			e.sink.Publish(*ev)
		}
	}
	e.pending = e.pending[:0]
	return nil
}

func (e *Engine) emit(ev Event) {
	e.pending = append(e.pending, ev)
}

// --- accessors ---

func (e *Engine) Owner() common.Address {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.owner
}

func (e *Engine) Treasury() common.Address {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.treasury
}

func (e *Engine) YieldFee() *uint256.Int {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return new(uint256.Int).Set(e.yieldFee)
}

func (e *Engine) RecoveryMode() bool { return e.recovery.Load() }

// ChainTip returns the sequence and hash of the last committed event.
func (e *Engine) ChainTip() (uint64, [32]byte) { return e.chain.Tip() }

// Position returns a copy of the user's position at id.
func (e *Engine) Position(user common.Address, id uint64) (Position, error) {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	list := e.positions[user]
	if id >= uint64(len(list)) {
		return Position{}, fmt.Errorf("%w: %d of %d", ErrPositionIndex, id, len(list))
	}
	return list[id].Clone(), nil
}

// Positions returns copies of every position the user opened, in id order.
func (e *Engine) Positions(user common.Address) []Position {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	list := e.positions[user]
	out := make([]Position, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out
}

func (e *Engine) PositionCount(user common.Address) uint64 {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return uint64(len(e.positions[user]))
}

// OpenPositionCount counts open positions across every user.
func (e *Engine) OpenPositionCount() int {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.openCount
}

// MarketParams returns the registered parameters for a pair.
func (e *Engine) MarketParams(collateral, loan common.Address) (MarketConfig, error) {
	return e.marketFor(collateral, loan)
}

func (e *Engine) LiquidationLtv(collateral, loan common.Address) (*uint256.Int, error) {
	cfg, err := e.marketFor(collateral, loan)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(cfg.Params.Lltv), nil
}

// MaxLtv is the liquidation LTV less the liquidation buffer.
func (e *Engine) MaxLtv(collateral, loan common.Address) (*uint256.Int, error) {
	cfg, err := e.marketFor(collateral, loan)
	if err != nil {
		return nil, err
	}
	return fpmath.MaxLtv(cfg.Params.Lltv)
}

// Proxies exposes the proxy registry for lookups.
func (e *Engine) Proxies() *proxy.Factory { return e.proxies }

// --- position ledger, mutated only inside atomic ---

func (e *Engine) appendPosition(p *Position) {
	e.posMu.Lock()
	p.ID = uint64(len(e.positions[p.User]))
	e.positions[p.User] = append(e.positions[p.User], p)
	e.openCount++
	e.posMu.Unlock()

	user := p.User
	e.journal.Append(func() {
		e.posMu.Lock()
		defer e.posMu.Unlock()
		list := e.positions[user]
		if len(list) <= 1 {
			delete(e.positions, user)
		} else {
			e.positions[user] = list[:len(list)-1]
		}
		e.openCount--
	})
}

func (e *Engine) markClosed(p *Position, at time.Time) {
	e.posMu.Lock()
	p.Open = false
	p.ClosedAt = at
	e.openCount--
	e.posMu.Unlock()

	e.journal.Append(func() {
		e.posMu.Lock()
		defer e.posMu.Unlock()
		p.Open = true
		p.ClosedAt = time.Time{}
		e.openCount++
	})
}

// positionRef returns the stored position for mutation inside atomic.
func (e *Engine) positionRef(user common.Address, id uint64) (*Position, error) {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	list := e.positions[user]
	if id >= uint64(len(list)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrPositionIndex, id, len(list))
	}
	return list[id], nil
}

func (e *Engine) pairLabel(collateral, loan common.Address) string {
	cs, _ := e.tokens.Symbol(collateral)
	ls, _ := e.tokens.Symbol(loan)
	return cs + "/" + ls
}
