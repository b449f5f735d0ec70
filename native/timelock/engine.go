package timelock

import (
	"errors"
	"fmt"
	"time"

	"vaultctl/native/custody"
	"vaultctl/native/policy"

	"github.com/ethereum/go-ethereum/rlp"
)

var (
	// ErrTimelockNotExpired is returned by Apply while the staging window is
	// still open.
	ErrTimelockNotExpired = errors.New("timelock: timelock not expired")
	// ErrNothingStaged is returned by Apply and Cancel when the pending
	// queue is empty.
	ErrNothingStaged = errors.New("timelock: nothing staged")
)

// Status is the computed lifecycle phase of the staging queue. Only Idle and
// Staged are persisted; Ready is Staged with the expiry elapsed.
type Status uint8

const (
	StatusIdle Status = iota
	StatusStaged
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStaged:
		return "staged"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Mutation is the single remote state transition a command terminates in.
type Mutation struct {
	Field custody.Field
	Value []byte
}

// Engine owns the staging state machine: it decides whether a proposed
// field replacement applies immediately or enters the pending queue, gates
// Apply behind the expiry timestamp, and diffs staged values against live
// state. All methods are pure over the supplied state snapshot.
type Engine struct {
	registry *policy.Registry
	nowFn    func() time.Time
}

// NewEngine constructs a timelock engine. The registry is used by Diff to
// compare protocol policy payloads structurally.
func NewEngine(registry *policy.Registry) *Engine {
	return &Engine{
		registry: registry,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source. Nil restores the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// Status reports the current lifecycle phase for the state snapshot.
func (e *Engine) Status(state *custody.State) Status {
	if len(state.PendingUpdates) == 0 {
		return StatusIdle
	}
	if uint64(e.nowFn().Unix()) >= state.PendingExpiresAt {
		return StatusReady
	}
	return StatusStaged
}

// Stage routes a proposed full-replacement value for a field. With a zero
// timelock duration the replacement applies immediately; otherwise it is
// upserted into the pending queue. The expiry clock starts on the first
// staged change and is not reset by later stages.
func (e *Engine) Stage(state *custody.State, field custody.Field, value []byte) (Mutation, *custody.State, error) {
	if !custody.Stageable(field) {
		return Mutation{}, nil, fmt.Errorf("%w: %s", custody.ErrUnknownField, field)
	}
	decoded, err := custody.DecodeFieldValue(field, value)
	if err != nil {
		return Mutation{}, nil, err
	}
	next := state.Clone()
	if state.TimelockDuration == 0 {
		if err := custody.ApplyFieldValue(next, field, decoded); err != nil {
			return Mutation{}, nil, err
		}
		return Mutation{Field: field, Value: value}, next, nil
	}
	replaced := false
	for i := range next.PendingUpdates {
		if next.PendingUpdates[i].Field == field {
			next.PendingUpdates[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		next.PendingUpdates = append(next.PendingUpdates, custody.PendingUpdate{Field: field, Value: value})
	}
	if len(state.PendingUpdates) == 0 {
		next.PendingExpiresAt = uint64(e.nowFn().Unix()) + state.TimelockDuration
	}
	envelope := custody.StagingEnvelope{ExpiresAt: next.PendingExpiresAt, Updates: next.PendingUpdates}
	encoded, err := rlp.EncodeToBytes(envelope)
	if err != nil {
		return Mutation{}, nil, err
	}
	return Mutation{Field: custody.FieldPendingUpdates, Value: encoded}, next, nil
}

// Apply commits every pending entry to live state atomically once the expiry
// has elapsed, clearing the queue. Re-applying is impossible by construction:
// the second call finds nothing staged.
func (e *Engine) Apply(state *custody.State) (Mutation, *custody.State, error) {
	if len(state.PendingUpdates) == 0 {
		return Mutation{}, nil, ErrNothingStaged
	}
	if uint64(e.nowFn().Unix()) < state.PendingExpiresAt {
		return Mutation{}, nil, fmt.Errorf("%w: eligible at %d", ErrTimelockNotExpired, state.PendingExpiresAt)
	}
	next := state.Clone()
	for _, update := range state.PendingUpdates {
		decoded, err := custody.DecodeFieldValue(update.Field, update.Value)
		if err != nil {
			return Mutation{}, nil, err
		}
		if err := custody.ApplyFieldValue(next, update.Field, decoded); err != nil {
			return Mutation{}, nil, err
		}
	}
	next.PendingUpdates = nil
	next.PendingExpiresAt = 0
	return Mutation{Field: custody.FieldApplyPending}, next, nil
}

// Cancel discards the pending queue without touching live fields. Valid at
// any time while something is staged.
func (e *Engine) Cancel(state *custody.State) (Mutation, *custody.State, error) {
	if len(state.PendingUpdates) == 0 {
		return Mutation{}, nil, ErrNothingStaged
	}
	next := state.Clone()
	next.PendingUpdates = nil
	next.PendingExpiresAt = 0
	encoded, err := rlp.EncodeToBytes(custody.StagingEnvelope{})
	if err != nil {
		return Mutation{}, nil, err
	}
	return Mutation{Field: custody.FieldPendingUpdates, Value: encoded}, next, nil
}
