package clusterdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maruel/ksid"
)

// Mode selects how a transaction acquires a record held by another
// transaction.
type Mode int

const (
	// Wait blocks until the record is released or the transaction's context
	// is done.
	Wait Mode = iota
	// NoWait fails immediately with ErrLockConflict.
	NoWait
)

func (m Mode) String() string {
	switch m {
	case Wait:
		return "wait"
	case NoWait:
		return "no-wait"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is the lifecycle state of a transaction.
type State int

const (
	// StateOpen accepts operations.
	StateOpen State = iota
	// Committed is terminal.
	Committed
	// RolledBack is terminal.
	RolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// participant is a repository holding locks on behalf of a transaction.
type participant interface {
	release(tx *Tx, commit bool) error
}

// Tx is a unit of work spanning any number of repositories.
//
// Every record saved or deleted through a transaction is locked until Commit
// or Rollback. A Tx may be shared between goroutines.
type Tx struct {
	id   ksid.ID
	mode Mode
	ctx  context.Context
	log  *slog.Logger

	mu    sync.Mutex
	state State
	parts []participant
}

// NewTx starts a transaction outside of a registry.
//
// ctx bounds lock waits in Wait mode; it does not end the transaction.
func NewTx(ctx context.Context, mode Mode) *Tx {
	return newTx(ctx, mode, slog.Default())
}

func newTx(ctx context.Context, mode Mode, log *slog.Logger) *Tx {
	if ctx == nil {
		ctx = context.Background()
	}
	id := ksid.NewID()
	return &Tx{
		id:   id,
		mode: mode,
		ctx:  ctx,
		log:  log.With("tx", id.String()),
	}
}

// ID returns the transaction's unique identifier.
func (tx *Tx) ID() ksid.ID {
	return tx.id
}

// Mode returns the lock acquisition mode.
func (tx *Tx) Mode() Mode {
	return tx.mode
}

// State returns the current state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// check returns ErrTxClosed once the transaction ended. A nil transaction is
// always usable.
func (tx *Tx) check(op string) error {
	if tx == nil {
		return nil
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateOpen {
		return newError(CodeTxClosed, op, "transaction closed").WithDetail("state", tx.state.String())
	}
	return nil
}

// enlist registers p as holding locks for tx.
//
// It must be called while p's own lock is held, before the first lock is
// recorded, so that a concurrent Commit either fails the enlistment or sees p.
func (tx *Tx) enlist(op string, p participant) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateOpen {
		return newError(CodeTxClosed, op, "transaction closed").WithDetail("state", tx.state.String())
	}
	for _, q := range tx.parts {
		if q == p {
			return nil
		}
	}
	tx.parts = append(tx.parts, p)
	return nil
}

// Commit makes every change permanent and releases the locks.
func (tx *Tx) Commit() error {
	return tx.end("commit", Committed)
}

// Rollback restores every record touched by the transaction to its value
// before the transaction and releases the locks.
func (tx *Tx) Rollback() error {
	return tx.end("rollback", RolledBack)
}

func (tx *Tx) end(op string, to State) error {
	tx.mu.Lock()
	if tx.state != StateOpen {
		s := tx.state
		tx.mu.Unlock()
		return newError(CodeTxClosed, op, "transaction closed").WithDetail("state", s.String())
	}
	tx.state = to
	parts := tx.parts
	tx.parts = nil
	tx.mu.Unlock()

	var errs []error
	for _, p := range parts {
		if err := p.release(tx, to == Committed); err != nil {
			errs = append(errs, err)
		}
	}
	tx.log.Debug("tx ended", "state", to, "repositories", len(parts))
	return errors.Join(errs...)
}
