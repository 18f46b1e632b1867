package ingestion

import (
	"FlashLever/internal/engine"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/observability"
	"FlashLever/internal/swap"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor is the engine surface commands drive. *engine.Engine satisfies it.
type Executor interface {
	Leverage(caller common.Address, req engine.LeverageRequest) (uint64, error)
	Deleverage(caller common.Address, positionID uint64, swapInstructions []byte) (*fpmath.Settlement, error)
	Position(user common.Address, id uint64) (engine.Position, error)
}

// Recorder durably logs the outcome of every command that was executed.
type Recorder interface {
	Record(ctx context.Context, rec CommandRecord) error
}

// CommandRecord is the durable trace of one executed command. Subject and
// Data are kept so applied commands can be replayed after a restart.
type CommandRecord struct {
	RequestID uuid.UUID
	Command   CommandType
	Subject   string
	Data      []byte
	Status    Status
	Detail    string
}

type Status string

const (
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected"
	StatusDuplicate Status = "duplicate"
	StatusMalformed Status = "malformed"

	// Unauthorized commands are neither executed nor recorded, so a forged
	// message cannot claim a request id its real owner will use.
	StatusUnauthorized Status = "unauthorized"
)

// Outcome is the result of handling one command.
type Outcome struct {
	Status     Status
	RequestID  uuid.UUID
	PositionID uint64
	Settlement *fpmath.Settlement
	Err        error
}

// Dispatcher parses inbound commands, drops duplicates and drives the
// executor. Engine rejections are deterministic, so rejected commands are
// acked rather than redelivered.
type Dispatcher struct {
	exec     Executor
	dedup    *Deduper
	recorder Recorder
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(exec Executor, dedup *Deduper, recorder Recorder, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		exec:     exec,
		dedup:    dedup,
		recorder: recorder,
		metrics:  metrics,
		logger:   observability.NewLogger("dispatcher"),
	}
}

// Run handles commands from input until it is closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, input <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one raw command and acks it. A command arriving after
// ctx is cancelled is nak'd for redelivery instead.
func (d *Dispatcher) Handle(ctx context.Context, raw RawCommand) Outcome {
	if err := ctx.Err(); err != nil {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return Outcome{Err: err}
	}
	out := d.handle(ctx, raw)
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(string(raw.Type), string(out.Status)).Inc()
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
	return out
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) Outcome {
	cmd, err := ParseCommand(raw.Type, raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		return Outcome{Status: StatusMalformed, Err: err}
	}
	out := Outcome{RequestID: cmd.RequestID}

	if err := authorize(raw.Subject, cmd); err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).
			Str("request_id", cmd.RequestID.String()).Msg("dropping unauthorized command")
		out.Status = StatusUnauthorized
		out.Err = err
		return out
	}

	if d.dedup != nil && d.dedup.IsDuplicate(cmd.Type, cmd.RequestID) {
		d.logger.Debug().Str("request_id", cmd.RequestID.String()).Msg("duplicate command")
		out.Status = StatusDuplicate
		return out
	}

	out.Err = d.execute(cmd, &out)
	out.Status = StatusApplied
	detail := ""
	if out.Err != nil {
		out.Status = StatusRejected
		detail = out.Err.Error()
		d.logger.Info().Err(out.Err).
			Str("request_id", cmd.RequestID.String()).
			Str("command", string(cmd.Type)).
			Msg("command rejected")
	}

	if d.dedup != nil {
		d.dedup.MarkProcessed(cmd.RequestID)
	}
	if d.recorder != nil {
		rec := CommandRecord{
			RequestID: cmd.RequestID,
			Command:   cmd.Type,
			Subject:   raw.Subject,
			Data:      raw.Data,
			Status:    out.Status,
			Detail:    detail,
		}
		if err := d.recorder.Record(ctx, rec); err != nil {
			d.logger.Error().Err(err).Str("request_id", cmd.RequestID.String()).Msg("record command")
		}
	}
	return out
}

// ReplayStats counts the outcome of a Replay.
type ReplayStats struct {
	Applied  int
	Diverged int
}

// Replay re-executes commands that were applied before a restart, in their
// original order, to rebuild engine state. Nothing is acked or recorded;
// every request id is marked processed. A command that no longer applies
// is logged and counted as diverged.
func (d *Dispatcher) Replay(ctx context.Context, cmds []RawCommand) (ReplayStats, error) {
	var stats ReplayStats
	for _, raw := range cmds {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		cmd, err := ParseCommand(raw.Type, raw.Data)
		if err == nil {
			err = authorize(raw.Subject, cmd)
		}
		if err == nil {
			err = d.execute(cmd, &Outcome{})
			if d.dedup != nil {
				d.dedup.MarkProcessed(cmd.RequestID)
			}
		}
		if err != nil {
			stats.Diverged++
			d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("replayed command diverged")
			continue
		}
		stats.Applied++
	}
	d.logger.Info().Int("applied", stats.Applied).Int("diverged", stats.Diverged).Msg("command log replayed")
	return stats, nil
}

func (d *Dispatcher) execute(cmd Command, out *Outcome) error {
	switch cmd.Type {
	case CommandLeverage:
		req := cmd.Leverage
		req.SwapInstructions = cmd.SwapInstructions
		if req.SwapInstructions == nil {
			b, err := swap.EncodeInstructions(swap.Instructions{TokenOut: req.CollateralToken, MinAmountOut: cmd.MinAmountOut})
			if err != nil {
				return err
			}
			req.SwapInstructions = b
		}
		id, err := d.exec.Leverage(cmd.Caller, req)
		if err != nil {
			return err
		}
		out.PositionID = id
		return nil

	case CommandDeleverage:
		instr := cmd.SwapInstructions
		if instr == nil {
			pos, err := d.exec.Position(cmd.Caller, cmd.PositionID)
			if err != nil {
				return err
			}
			if instr, err = swap.EncodeInstructions(swap.Instructions{TokenOut: pos.LoanToken, MinAmountOut: cmd.MinAmountOut}); err != nil {
				return err
			}
		}
		st, err := d.exec.Deleverage(cmd.Caller, cmd.PositionID, instr)
		if err != nil {
			return err
		}
		out.PositionID = cmd.PositionID
		out.Settlement = st
		return nil

	default:
		return fmt.Errorf("%w: unknown command type %q", ErrMalformedCommand, cmd.Type)
	}
}
