package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f up to maxRetries+1 times while it keeps failing with
// SQLITE_BUSY or SQLITE_LOCKED. Waits double from busyBaseDelay, are capped at
// busyMaxDelay and carry +/-25% jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		t := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func backoff(attempt int) time.Duration {
	d := min(busyBaseDelay<<attempt, busyMaxDelay)
	return d - d/4 + rand.N(d/2)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "database table is locked", "(5)", "(6)"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports a PRIMARY KEY or UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
