// Package cancel provides a cooperative cancellation token shared by a run's
// stages and retry loops.
package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCancelled is returned by checkpoints once cancellation was requested.
var ErrCancelled = eris.New("run cancelled")

// Token is a one-shot, pollable cancellation flag. The zero value is not
// usable; create tokens with New.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns an unset token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token. Safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsRequested reports whether Cancel has been called.
func (t *Token) IsRequested() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait sleeps for d or until cancellation, whichever comes first. It
// returns true if the token was set during (or before) the wait.
func (t *Token) Wait(d time.Duration) bool {
	if d <= 0 {
		return t.IsRequested()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return t.IsRequested()
	}
}

// Err returns ErrCancelled once the token is set, nil otherwise. Stages call
// it at checkpoints.
func (t *Token) Err() error {
	if t.IsRequested() {
		return ErrCancelled
	}
	return nil
}

// Bind derives a context that is cancelled when either parent is done or
// the token is set. The returned CancelFunc releases the watcher.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// IsCancelled reports whether err stems from a cancellation checkpoint or a
// context cancelled by a bound token.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return eris.Is(err, ErrCancelled) || eris.Is(err, context.Canceled)
}
