package query

import (
	"FlashLever/internal/engine"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"
	"FlashLever/internal/projection"
	"FlashLever/internal/token"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound        = errors.New("query: not found")
	ErrInvalidArgument = errors.New("query: invalid argument")
	ErrUnavailable     = errors.New("query: unavailable")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// SettlementHistory reads persisted closes.
type SettlementHistory interface {
	SettlementsByUser(ctx context.Context, user string, limit int) ([]persistence.SettlementRecord, error)
}

// StatsSource provides projected pair statistics.
type StatsSource interface {
	Snapshot() []projection.PairStats
}

// QueryService provides read-only access to the engine's ledger and
// configuration, persisted settlements and projected stats. History and
// Stats are optional; their queries return ErrUnavailable without them.
type QueryService struct {
	engine  *engine.Engine
	tokens  *token.Ledger
	history SettlementHistory
	stats   StatsSource
	metrics *observability.Metrics
}

func NewQueryService(e *engine.Engine, tokens *token.Ledger, history SettlementHistory, stats StatsSource, metrics *observability.Metrics) *QueryService {
	return &QueryService{engine: e, tokens: tokens, history: history, stats: stats, metrics: metrics}
}

// GetPositions returns every position of user, optionally only open ones.
func (qs *QueryService) GetPositions(ctx context.Context, user string, openOnly bool) (out []PositionResponse, err error) {
	defer qs.observe("positions", time.Now(), &err)
	addr, err := parseAddress("user", user)
	if err != nil {
		return nil, err
	}
	for _, p := range qs.engine.Positions(addr) {
		if openOnly && !p.Open {
			continue
		}
		out = append(out, qs.position(p))
	}
	return out, nil
}

// GetPosition returns one position with its current debt if still open.
func (qs *QueryService) GetPosition(ctx context.Context, user string, id uint64) (out *PositionResponse, err error) {
	defer qs.observe("position", time.Now(), &err)
	addr, err := parseAddress("user", user)
	if err != nil {
		return nil, err
	}
	p, err := qs.engine.Position(addr, id)
	if errors.Is(err, engine.ErrPositionIndex) {
		return nil, fmt.Errorf("%w: position %d of %s", ErrNotFound, id, addr.Hex())
	}
	if err != nil {
		return nil, err
	}
	resp := qs.position(p)
	if p.Open {
		debt, err := qs.engine.CalcDeleverageFlashLoan(addr, id)
		if err != nil {
			return nil, err
		}
		resp.DebtAssets = debt.Dec()
	}
	return &resp, nil
}

// GetMarkets returns the registered pairs.
func (qs *QueryService) GetMarkets(ctx context.Context) (out []MarketResponse, err error) {
	defer qs.observe("markets", time.Now(), &err)
	for _, m := range qs.engine.Markets() {
		maxLtv, err := fpmath.MaxLtv(m.Params.Lltv)
		if err != nil {
			return nil, err
		}
		out = append(out, MarketResponse{
			ID:              m.ID.Hex(),
			Pair:            qs.pair(m.Params.CollateralToken, m.Params.LoanToken),
			CollateralToken: m.Params.CollateralToken.Hex(),
			LoanToken:       m.Params.LoanToken.Hex(),
			Oracle:          m.Params.Oracle.Hex(),
			LoanDecimals:    m.LoanDecimals,
			Lltv:            m.Params.Lltv.Dec(),
			MaxLtv:          maxLtv.Dec(),
		})
	}
	return out, nil
}

func (qs *QueryService) GetConfig(ctx context.Context) (out *ConfigResponse, err error) {
	defer qs.observe("config", time.Now(), &err)
	seq, tip := qs.engine.ChainTip()
	return &ConfigResponse{
		Engine:        qs.engine.Address().Hex(),
		Owner:         qs.engine.Owner().Hex(),
		Treasury:      qs.engine.Treasury().Hex(),
		YieldFee:      qs.engine.YieldFee().Dec(),
		RecoveryMode:  qs.engine.RecoveryMode(),
		OpenPositions: qs.engine.OpenPositionCount(),
		EventSequence: seq,
		EventHash:     hexutil.Encode(tip[:]),
	}, nil
}

// QuoteLeverage prices the flash loan for a prospective leverage request.
func (qs *QueryService) QuoteLeverage(ctx context.Context, collateral, loan, amount, desiredLtv string) (out *QuoteResponse, err error) {
	defer qs.observe("quote", time.Now(), &err)
	coll, err := parseAddress("collateral_token", collateral)
	if err != nil {
		return nil, err
	}
	loanTok, err := parseAddress("loan_token", loan)
	if err != nil {
		return nil, err
	}
	amt, err := parseAmount("amount_collateral", amount)
	if err != nil {
		return nil, err
	}
	ltv, err := parseAmount("desired_ltv", desiredLtv)
	if err != nil {
		return nil, err
	}
	flash, err := qs.engine.CalcLeverageFlashLoan(coll, loanTok, amt, ltv)
	if errors.Is(err, engine.ErrUnsupportedPair) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{FlashLoanAmount: flash.Dec()}, nil
}

// GetSettlements returns user's newest persisted closes.
func (qs *QueryService) GetSettlements(ctx context.Context, user string, limit int) (out []SettlementResponse, err error) {
	defer qs.observe("settlements", time.Now(), &err)
	if qs.history == nil {
		return nil, fmt.Errorf("%w: settlement history requires postgres", ErrUnavailable)
	}
	addr, err := parseAddress("user", user)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	rows, err := qs.history.SettlementsByUser(ctx, addr.Hex(), limit)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out = append(out, SettlementResponse{
			EventID:         r.EventID.String(),
			PositionID:      r.PositionID,
			LoanToken:       r.LoanToken,
			FlashLoanAmount: r.FlashLoanAmount,
			TotalReturned:   r.TotalReturned,
			Yield:           r.Yield,
			Fee:             r.Fee,
			UserAmount:      r.UserAmount,
			SettledAt:       r.SettledAt,
			EventSequence:   r.EventSequence,
			EventHash:       r.EventHash,
		})
	}
	return out, nil
}

// GetStats returns projected activity per pair.
func (qs *QueryService) GetStats(ctx context.Context) (out []PairStatsResponse, err error) {
	defer qs.observe("stats", time.Now(), &err)
	if qs.stats == nil {
		return nil, fmt.Errorf("%w: stats projection disabled", ErrUnavailable)
	}
	for _, s := range qs.stats.Snapshot() {
		out = append(out, PairStatsResponse{
			Pair:            qs.pair(s.CollateralToken, s.LoanToken),
			Opened:          s.Opened,
			Closed:          s.Closed,
			Open:            s.Open(),
			FlashVolume:     s.FlashVolume.Dec(),
			FeesCollected:   s.FeesCollected.Dec(),
			ReturnedToUsers: s.ReturnedToUsers.Dec(),
		})
	}
	return out, nil
}

// --- helpers ---

func (qs *QueryService) position(p engine.Position) PositionResponse {
	resp := PositionResponse{
		User:                        p.User.Hex(),
		PositionID:                  p.ID,
		Open:                        p.Open,
		Pair:                        qs.pair(p.CollateralToken, p.LoanToken),
		CollateralToken:             p.CollateralToken.Hex(),
		LoanToken:                   p.LoanToken.Hex(),
		Proxy:                       p.Proxy.Hex(),
		AmountCollateral:            p.AmountCollateral.Dec(),
		AmountLeveragedCollateral:   p.AmountLeveragedCollateral.Dec(),
		SharesBorrowed:              p.SharesBorrowed.Dec(),
		AmountCollateralInLoanToken: p.AmountCollateralInLoanToken.Dec(),
		OpenedAt:                    p.OpenedAt.UTC(),
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt.UTC()
		resp.ClosedAt = &closed
	}
	return resp
}

func (qs *QueryService) pair(collateral, loan common.Address) string {
	if qs.tokens == nil {
		return collateral.Hex() + "/" + loan.Hex()
	}
	c, err := qs.tokens.Symbol(collateral)
	if err != nil {
		c = collateral.Hex()
	}
	l, err := qs.tokens.Symbol(loan)
	if err != nil {
		l = loan.Hex()
	}
	return c + "/" + l
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, Code(*errp)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// Code maps an error to a short label shared by metrics and transports.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s: %q is not an address", ErrInvalidArgument, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, field, err)
	}
	return v, nil
}
