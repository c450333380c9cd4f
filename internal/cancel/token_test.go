package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_CancelIsIdempotent(t *testing.T) {
	tok := New()
	assert.False(t, tok.IsRequested())
	assert.NoError(t, tok.Err())

	tok.Cancel()
	tok.Cancel()

	assert.True(t, tok.IsRequested())
	assert.ErrorIs(t, tok.Err(), ErrCancelled)
}

func TestToken_WaitFullDuration(t *testing.T) {
	tok := New()
	start := time.Now()
	assert.False(t, tok.Wait(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestToken_WaitWakesEarly(t *testing.T) {
	tok := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Cancel()
	}()

	start := time.Now()
	assert.True(t, tok.Wait(10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestToken_WaitZero(t *testing.T) {
	tok := New()
	assert.False(t, tok.Wait(0))
	tok.Cancel()
	assert.True(t, tok.Wait(0))
}

func TestToken_Bind(t *testing.T) {
	tok := New()
	ctx, release := tok.Bind(context.Background())
	defer release()

	require.NoError(t, ctx.Err())
	tok.Cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bound context was not cancelled")
	}
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)
}

func TestToken_BindReleaseDoesNotSetToken(t *testing.T) {
	tok := New()
	ctx, release := tok.Bind(context.Background())
	release()
	<-ctx.Done()
	assert.False(t, tok.IsRequested())
}

func TestIsCancelled(t *testing.T) {
	assert.False(t, IsCancelled(nil))
	assert.False(t, IsCancelled(eris.New("boom")))
	assert.True(t, IsCancelled(ErrCancelled))
	assert.True(t, IsCancelled(eris.Wrap(ErrCancelled, "research")))
	assert.True(t, IsCancelled(eris.Wrap(context.Canceled, "fetch")))
}
