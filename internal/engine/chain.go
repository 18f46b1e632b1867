package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

const GenesisSeed = "FlashLever:events:v1"

var ErrChainBroken = errors.New("engine: event chain broken")

// EventChain links committed events so downstream consumers can detect
// gaps or tampering:
//
//	hash[N] = SHA-256(hash[N-1] || N || digest(event N))
//
// with hash[0] = SHA-256(GenesisSeed). Sequences start at 1.
type EventChain struct {
	mu  sync.RWMutex
	seq uint64
	tip [32]byte
}

func NewEventChain() *EventChain {
	return &EventChain{tip: Genesis()}
}

func Genesis() [32]byte {
	return sha256.Sum256([]byte(GenesisSeed))
}

// Append assigns ev the next sequence and its chained hash.
func (c *EventChain) Append(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ev.Sequence = c.seq
	ev.Hash = Link(c.tip, ev.Sequence, Digest(*ev))
	c.tip = ev.Hash
}

// Tip returns the last assigned sequence and hash.
func (c *EventChain) Tip() (uint64, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq, c.tip
}

// Link computes the hash following prev.
func Link(prev [32]byte, sequence uint64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	h.Write(seqBuf[:])
	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Digest is a fixed-layout encoding of the fields that identify an event.
// Amounts are 32-byte big-endian; a missing amount encodes as zero.
func Digest(ev Event) []byte {
	buf := make([]byte, 0, 16+len(ev.Type)+20+8+8+32*8)
	buf = append(buf, ev.ID[:]...)
	buf = append(buf, ev.Type...)
	buf = append(buf, ev.User[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, ev.PositionID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.Timestamp.UnixNano()))

	p := ev.Position
	buf = appendAmount(buf, p.AmountCollateral)
	buf = appendAmount(buf, p.AmountLeveragedCollateral)
	buf = appendAmount(buf, p.SharesBorrowed)
	buf = appendAmount(buf, ev.FlashLoanAmount)
	if s := ev.Settlement; s != nil {
		buf = appendAmount(buf, s.TotalReturned)
		buf = appendAmount(buf, s.Yield)
		buf = appendAmount(buf, s.Fee)
		buf = appendAmount(buf, s.UserAmount)
	}
	return buf
}

// Verify checks that events continue the chain at (sequence, prev) and
// returns the new tip.
func Verify(sequence uint64, prev [32]byte, events []Event) (uint64, [32]byte, error) {
	for _, ev := range events {
		if ev.Sequence != sequence+1 {
			return sequence, prev, fmt.Errorf("%w: sequence %d after %d", ErrChainBroken, ev.Sequence, sequence)
		}
		want := Link(prev, ev.Sequence, Digest(ev))
		if ev.Hash != want {
			return sequence, prev, fmt.Errorf("%w: hash mismatch at sequence %d", ErrChainBroken, ev.Sequence)
		}
		sequence, prev = ev.Sequence, ev.Hash
	}
	return sequence, prev, nil
}

func appendAmount(buf []byte, v *uint256.Int) []byte {
	var b [32]byte
	if v != nil {
		b = v.Bytes32()
	}
	return append(buf, b[:]...)
}
