// Package lifecycle owns File status transitions. Every transition is a
// compare-and-set against the stored status. Transitions into a terminal
// status recompute the parent Submission's rollup in the same transaction;
// other transitions refresh only its status.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/rs/zerolog"
)

// Event describes one committed File transition.
type Event struct {
	File *domain.File
	From domain.FileStatus
	To   domain.FileStatus
	// Reprocessed marks an administrative reset rather than a forward move.
	Reprocessed bool
	// Rollup is set when the transition recomputed the Submission.
	Rollup *aggregate.Result
}

// Listener observes transitions after their transaction commits. Errors are
// logged and never undo the transition.
type Listener interface {
	OnTransition(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) OnTransition(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Machine applies File transitions through a store.
type Machine struct {
	store     store.Store
	agg       *aggregate.Aggregator
	listeners []Listener
	now       func() time.Time
}

// New creates a Machine.
func New(st store.Store, agg *aggregate.Aggregator, listeners ...Listener) *Machine {
	return &Machine{
		store:     st,
		agg:       agg,
		listeners: listeners,
		now:       time.Now,
	}
}

// AddListener registers a post-commit listener. Not safe to call concurrently
// with transitions.
func (m *Machine) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Store returns the underlying store.
func (m *Machine) Store() store.Store {
	return m.store
}

// Tx is a transaction in which File transitions are recorded.
type Tx struct {
	store.Repository
	m      *Machine
	events []Event
}

// Do runs fn in one transaction and notifies listeners of its transitions
// once it commits.
func (m *Machine) Do(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var events []Event
	err := m.store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
		tx := &Tx{Repository: repo, m: m}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		events = tx.events
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, events)
	return nil
}

func (m *Machine) emit(ctx context.Context, events []Event) {
	log := logger.FromContext(ctx)
	for _, ev := range events {
		for _, l := range m.listeners {
			if err := l.OnTransition(ctx, ev); err != nil {
				log.Error().
					Err(err).
					Str("file_id", ev.File.ID).
					Str("to", string(ev.To)).
					Msg("Transition listener failed")
			}
		}
	}
}

// Transition moves a File from `from` to `to`. The stored status must still
// be `from`; otherwise a ConflictError is returned.
func (tx *Tx) Transition(ctx context.Context, fileID string, from, to domain.FileStatus, patch store.FilePatch) (*domain.File, error) {
	if !domain.CanTransition(from, to) {
		return nil, apperrors.Conflictf("transition %s -> %s is not allowed", from, to)
	}

	now := tx.m.now().UTC()
	if to == domain.FileProcessing && patch.ProcessingStartedAt == nil {
		patch.ProcessingStartedAt = &now
	}
	if to.IsTerminal() && patch.ProcessingCompletedAt == nil {
		patch.ProcessingCompletedAt = &now
	}

	f, err := tx.TransitionFile(ctx, fileID, []domain.FileStatus{from}, to, patch)
	if err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}

	level := zerolog.InfoLevel
	if to == domain.FileFailed {
		level = zerolog.WarnLevel
	}
	log := logger.FromContext(ctx)
	e := log.WithLevel(level).
		Str("file_id", fileID).
		Str("submission_id", f.SubmissionID).
		Str("from", string(from)).
		Str("to", string(to))
	if f.ErrorText != "" {
		e = e.Str("error_text", f.ErrorText)
	}
	e.Msg("File transitioned")

	event := Event{File: f, From: from, To: to}
	if to.IsTerminal() {
		res, err := tx.m.agg.Recompute(ctx, tx.Repository, f.SubmissionID)
		if err != nil {
			return nil, fmt.Errorf("Transition: %w", err)
		}
		event.Rollup = res
	} else if _, err := tx.m.agg.RefreshStatus(ctx, tx.Repository, f.SubmissionID); err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}
	tx.events = append(tx.events, event)
	return f, nil
}

// Fail moves a File to failed from whatever non-terminal status it holds.
// A File that already failed is returned unchanged.
func (tx *Tx) Fail(ctx context.Context, fileID, reason string) (*domain.File, error) {
	f, err := tx.LockFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("Fail: %w", err)
	}
	switch f.Status {
	case domain.FileFailed:
		return f, nil
	case domain.FileProcessed:
		return nil, apperrors.Conflictf("file %s is already processed", fileID)
	}
	return tx.Transition(ctx, fileID, f.Status, domain.FileFailed, store.FilePatch{ErrorText: &reason})
}

// Transition runs a single transition in its own transaction.
func (m *Machine) Transition(ctx context.Context, fileID string, from, to domain.FileStatus, patch store.FilePatch) (*domain.File, error) {
	var out *domain.File
	err := m.Do(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = tx.Transition(ctx, fileID, from, to, patch)
		return err
	})
	return out, err
}

// Fail fails a File in its own transaction.
func (m *Machine) Fail(ctx context.Context, fileID, reason string) (*domain.File, error) {
	var out *domain.File
	err := m.Do(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = tx.Fail(ctx, fileID, reason)
		return err
	})
	return out, err
}
