// Package storage persists what must survive a restart: the per-task
// "last executed" calendar date (so a recurring transfer stays
// at-most-once-per-day across restarts) and an audit log of transfer
// attempts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by operations on a nil/closed store.
var ErrDisabled = errors.New("storage disabled")

// TransferEntry is one audit row for a transfer attempt.
type TransferEntry struct {
	At       time.Time
	Username string
	OK       bool
	Error    string
	TookMS   int64
}

// Store is the persistence contract.
//
// Dates are "YYYY-MM-DD" strings in the task's timezone; comparing them as
// strings is exactly the calendar-day comparison the scheduler needs.
type Store interface {
	LastExecutedDate(ctx context.Context, username string) (string, bool, error)
	SetLastExecutedDate(ctx context.Context, username, date string) error

	AppendTransfer(ctx context.Context, e TransferEntry) error
	// RecentTransfers returns the newest n audit rows, newest first.
	RecentTransfers(ctx context.Context, n int) ([]TransferEntry, error)

	Close() error
}

// Config selects and tunes the backing store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Disabled returns a Store whose every operation reports ErrDisabled.
// Used when no storage path is configured.
func Disabled() Store { return disabledStore{} }

type disabledStore struct{}

func (disabledStore) LastExecutedDate(context.Context, string) (string, bool, error) {
	return "", false, ErrDisabled
}
func (disabledStore) SetLastExecutedDate(context.Context, string, string) error { return ErrDisabled }
func (disabledStore) AppendTransfer(context.Context, TransferEntry) error       { return ErrDisabled }
func (disabledStore) RecentTransfers(context.Context, int) ([]TransferEntry, error) {
	return nil, ErrDisabled
}
func (disabledStore) Close() error { return nil }
