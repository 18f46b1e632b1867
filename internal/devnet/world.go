// Package devnet assembles the in-memory chain the service runs against:
// token ledger, price feeds, lending market, swap router and engine, all
// sharing one undo journal.
package devnet

import (
	"FlashLever/internal/config"
	"FlashLever/internal/engine"
	"FlashLever/internal/market"
	"FlashLever/internal/observability"
	"FlashLever/internal/oracle"
	"FlashLever/internal/state"
	"FlashLever/internal/swap"
	"FlashLever/internal/token"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

type World struct {
	Journal *state.Journal
	Tokens  *token.Ledger
	Oracles *oracle.Registry
	Feeds   map[common.Address]*oracle.Fixed
	Lender  *market.Memory
	Router  *swap.Router
	Engine  *engine.Engine
	Markets []common.Hash
}

type Options struct {
	Sink    engine.EventSink
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Build creates the world described by b. Setup runs before the engine
// accepts operations, so it is not journaled for rollback.
func Build(b *config.Bootstrap, opts Options) (*World, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := observability.NewLogger("devnet")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	w := &World{
		Journal: state.NewJournal(),
		Oracles: oracle.NewRegistry(),
		Feeds:   make(map[common.Address]*oracle.Fixed),
	}
	w.Tokens = token.NewLedger(w.Journal)

	for _, t := range b.Tokens {
		if err := w.Tokens.Register(config.Address(t.Address), t.Symbol, t.Decimals); err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
	}
	for _, o := range b.Oracles {
		price, _ := config.ParseAmount(o.Price)
		feed := oracle.NewFixed(price)
		addr := config.Address(o.Address)
		w.Oracles.Set(addr, feed)
		w.Feeds[addr] = feed
	}

	lenderAddr := config.Address(b.Lender.Address)
	w.Lender = market.NewMemory(lenderAddr, w.Tokens, w.Oracles, w.Journal, market.WithClock(now))
	w.Router = swap.NewRouter(config.Address(b.Router.Address), w.Tokens)
	if err := w.Router.SetHaircut(b.Router.HaircutBps); err != nil {
		return nil, err
	}

	for _, bal := range b.Balances {
		amount, _ := config.ParseAmount(bal.Amount)
		if err := w.Tokens.Mint(config.Address(bal.Token), config.Address(bal.Account), amount); err != nil {
			return nil, fmt.Errorf("mint to %s: %w", bal.Account, err)
		}
	}

	supplier := config.Address(b.Lender.Supplier)
	for i, m := range b.Markets {
		params := market.MarketParams{
			LoanToken:       config.Address(m.Loan),
			CollateralToken: config.Address(m.Collateral),
			Oracle:          config.Address(m.Oracle),
			Irm:             common.HexToAddress(m.Irm),
		}
		params.Lltv, _ = config.ParseAmount(m.Lltv)
		feed, ok := w.Feeds[params.Oracle]
		if !ok {
			return nil, fmt.Errorf("markets[%d]: oracle %s not declared", i, params.Oracle.Hex())
		}

		id, err := w.Lender.CreateMarket(params)
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		rate, _ := config.ParseAmount(m.BorrowRate)
		if !rate.IsZero() {
			if err := w.Lender.SetBorrowRate(id, rate); err != nil {
				return nil, err
			}
		}
		if liquidity, _ := config.ParseAmount(m.Liquidity); !liquidity.IsZero() {
			if err := supplyLiquidity(w, supplier, params, liquidity); err != nil {
				return nil, fmt.Errorf("markets[%d]: %w", i, err)
			}
		}
		w.Router.AddMarket(params.CollateralToken, params.LoanToken, feed)
		w.Markets = append(w.Markets, id)
	}

	fee, _ := config.ParseAmount(b.Engine.YieldFee)
	owner := config.Address(b.Engine.Owner)
	eng, err := engine.New(
		engine.Config{
			Address:  config.Address(b.Engine.Address),
			Owner:    owner,
			Treasury: config.Address(b.Engine.Treasury),
			YieldFee: fee,
		},
		engine.Deps{
			Lender:  w.Lender,
			Swapper: w.Router,
			Tokens:  w.Tokens,
			Journal: w.Journal,
			Sink:    opts.Sink,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
			Now:     now,
		},
	)
	if err != nil {
		return nil, err
	}
	w.Engine = eng

	for i, m := range b.Markets {
		if !m.Register {
			continue
		}
		if err := eng.RegisterMarket(owner, w.Markets[i]); err != nil {
			return nil, fmt.Errorf("register markets[%d]: %w", i, err)
		}
	}
	w.Journal.Reset()

	logger.Info().
		Int("tokens", len(b.Tokens)).
		Int("markets", len(w.Markets)).
		Str("engine", eng.Address().Hex()).
		Msg("devnet world built")
	return w, nil
}

func supplyLiquidity(w *World, supplier common.Address, params market.MarketParams, amount *uint256.Int) error {
	if err := w.Tokens.Mint(params.LoanToken, supplier, amount); err != nil {
		return err
	}
	if err := w.Tokens.Approve(params.LoanToken, supplier, w.Lender.Address(), amount); err != nil {
		return err
	}
	_, err := w.Lender.Supply(supplier, params, amount, supplier)
	return err
}
