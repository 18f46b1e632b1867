package engine

import (
	fpmath "FlashLever/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionClosed EventType = "position_closed"
)

// Event is emitted once per successful open or close. Events raised during
// an operation that later fails are discarded with its other effects.
type Event struct {
	ID         uuid.UUID
	Type       EventType
	Timestamp  time.Time
	User       common.Address
	PositionID uint64
	Position   Position

	FlashLoanAmount *uint256.Int
	// Set on close only
	Settlement *fpmath.Settlement

	// Assigned at commit by the engine's EventChain
	Sequence uint64
	Hash     [32]byte
}

// EventSink receives committed events in commit order.
type EventSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// ChannelSink delivers events on a buffered channel. Publish blocks when the
// buffer is full, applying backpressure to the engine.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Publish(ev Event) { s.ch <- ev }

func (s *ChannelSink) Events() <-chan Event { return s.ch }

func (s *ChannelSink) Len() int { return len(s.ch) }

func (s *ChannelSink) Cap() int { return cap(s.ch) }

// Close must only be called once the engine has stopped publishing.
func (s *ChannelSink) Close() { close(s.ch) }

// FanOut publishes every event to each sink in order.
type FanOut []EventSink

func (f FanOut) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}
