package ingestion

import (
	"FlashLever/internal/engine"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const EventStream = "FLASH_EVENTS"

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed engine events for downstream
// consumers on flash.events.{event_type}.
type OutboundPublisher struct {
	js      Publisher
	input   <-chan engine.Event
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishedEvent is the JSON body of an outbound event. Amounts are base-10
// strings in native token units.
type PublishedEvent struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	User            string          `json:"user"`
	PositionID      uint64          `json:"position_id"`
	Open            bool            `json:"open"`
	CollateralToken string          `json:"collateral_token"`
	LoanToken       string          `json:"loan_token"`
	Proxy           string          `json:"proxy"`
	Collateral      string          `json:"amount_collateral"`
	Leveraged       string          `json:"amount_leveraged_collateral"`
	SharesBorrowed  string          `json:"shares_borrowed"`
	DepositValue    string          `json:"amount_collateral_in_loan_token"`
	FlashLoan       string          `json:"flash_loan_amount"`
	Settlement      *SettlementJSON `json:"settlement,omitempty"`
	Sequence        uint64          `json:"sequence"`
	Hash            string          `json:"hash"`
}

type SettlementJSON struct {
	TotalReturned string `json:"total_returned"`
	Yield         string `json:"yield"`
	Fee           string `json:"fee"`
	UserAmount    string `json:"user_amount"`
}

func NewOutboundPublisher(js Publisher, input <-chan engine.Event, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, metrics: metrics, logger: observability.NewLogger("publisher")}
}

// Run publishes events until input is closed or ctx is cancelled. Publish
// failures are logged and counted; consumers can recover from Postgres.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-op.input:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, ev); err != nil {
				op.logger.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, ev engine.Event) error {
	subject, data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	// The event id doubles as the JetStream message id, so a retried
	// publish is dropped by the stream's duplicate window.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID.String()))
	return err
}

// EncodeEvent returns the subject and JSON body for ev.
func EncodeEvent(ev engine.Event) (string, []byte, error) {
	p := ev.Position
	body := PublishedEvent{
		ID:              ev.ID.String(),
		Type:            string(ev.Type),
		Timestamp:       ev.Timestamp.UTC(),
		User:            ev.User.Hex(),
		PositionID:      ev.PositionID,
		Open:            p.Open,
		CollateralToken: p.CollateralToken.Hex(),
		LoanToken:       p.LoanToken.Hex(),
		Proxy:           p.Proxy.Hex(),
		Collateral:      decimal(p.AmountCollateral),
		Leveraged:       decimal(p.AmountLeveragedCollateral),
		SharesBorrowed:  decimal(p.SharesBorrowed),
		DepositValue:    decimal(p.AmountCollateralInLoanToken),
		FlashLoan:       decimal(ev.FlashLoanAmount),
		Sequence:        ev.Sequence,
		Hash:            hexutil.Encode(ev.Hash[:]),
	}
	if s := ev.Settlement; s != nil {
		body.Settlement = &SettlementJSON{
			TotalReturned: decimal(s.TotalReturned),
			Yield:         decimal(s.Yield),
			Fee:           decimal(s.Fee),
			UserAmount:    decimal(s.UserAmount),
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return "flash.events." + string(ev.Type), data, nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{"flash.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

func decimal(v *uint256.Int) string { return fpmath.OrZero(v).Dec() }
