package book

import (
	"errors"
	"fmt"
)

// State is the reconciliation state of a book.
type State int

const (
	StateUninitialized State = iota
	StateSynced
	StateResyncPending
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSynced:
		return "synced"
	case StateResyncPending:
		return "resync_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrOutOfSequence is returned for the delta that broke the chain; the
	// caller must resubscribe to obtain a fresh snapshot.
	ErrOutOfSequence = errors.New("order book update is out of sequence")
	// ErrResyncPending rejects deltas that arrive while a resync is underway.
	ErrResyncPending = errors.New("order book resync pending")
	// ErrNotSynced rejects deltas that arrive before the first snapshot.
	ErrNotSynced = errors.New("order book has no snapshot yet")
)

// SequenceGuard accepts a delta only when its prevSeqNum continues the chain.
type SequenceGuard struct {
	state   State
	lastSeq int64
}

func (g *SequenceGuard) State() State { return g.state }

func (g *SequenceGuard) LastSeq() int64 { return g.lastSeq }

// Reset anchors the chain at seq, as after a snapshot.
func (g *SequenceGuard) Reset(seq int64) {
	g.lastSeq = seq
	g.state = StateSynced
}

// Check validates a delta without changing the anchor. A gap moves the guard
// to StateResyncPending and returns ErrOutOfSequence exactly once.
func (g *SequenceGuard) Check(prevSeq, seq int64) error {
	switch g.state {
	case StateUninitialized:
		return ErrNotSynced
	case StateResyncPending:
		return ErrResyncPending
	}
	if prevSeq != g.lastSeq {
		g.state = StateResyncPending
		return fmt.Errorf("%w: expected prevSeqNum %d, got %d (seqNum %d)", ErrOutOfSequence, g.lastSeq, prevSeq, seq)
	}
	return nil
}

// Advance records seq as the last applied sequence number.
func (g *SequenceGuard) Advance(seq int64) {
	g.lastSeq = seq
}

// Clear returns the guard to StateUninitialized.
func (g *SequenceGuard) Clear() {
	g.state = StateUninitialized
	g.lastSeq = 0
}
