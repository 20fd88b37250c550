package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeTests runs the common suite against any Store implementation.
func storeTests(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, ok := s.Get(ctx, "no-such-key")
		assert.False(t, ok)
	})

	t.Run("LastWriteWins", func(t *testing.T) {
		s.Set(ctx, KeyMailUser, "first")
		s.Set(ctx, KeyMailUser, "second")
		v, ok := s.Get(ctx, KeyMailUser)
		require.True(t, ok)
		assert.Equal(t, "second", v)
	})

	t.Run("EmptyValueIsPresent", func(t *testing.T) {
		s.Set(ctx, "empty", "")
		v, ok := s.Get(ctx, "empty")
		assert.True(t, ok)
		assert.Equal(t, "", v)
	})

	t.Run("WebmailTokens", func(t *testing.T) {
		s.Set(ctx, KeySessionID, "sid")
		s.Set(ctx, KeySessionAuth, "auth")
		id, auth, ok := WebmailTokens(ctx, s)
		assert.True(t, ok)
		assert.Equal(t, "sid", id)
		assert.Equal(t, "auth", auth)

		ClearWebmail(ctx, s)
		id, auth, ok = WebmailTokens(ctx, s)
		assert.False(t, ok)
		assert.Equal(t, Invalid, id)
		assert.Equal(t, Invalid, auth)
	})
}

func TestMemoryStore(t *testing.T) {
	storeTests(t, NewMemoryStore())
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid(Invalid))
	assert.True(t, Valid("abc"))
}

func TestWebmailTokensHalfPresent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Set(ctx, KeySessionID, "sid")
	_, _, ok := WebmailTokens(ctx, s)
	assert.False(t, ok, "a session missing its auth half is absent")

	s.Set(ctx, KeySessionAuth, Invalid)
	_, _, ok = WebmailTokens(ctx, s)
	assert.False(t, ok, "a sentinel auth half is absent")
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(time.Hour, 0)
	defer p.Close()

	token, s, err := p.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	storeTests(t, s)

	t.Run("OpenSharesState", func(t *testing.T) {
		s.Set(ctx, KeyMailUser, "alice@example.com")
		opened, ok := p.Open(ctx, token)
		require.True(t, ok)
		v, _ := opened.Get(ctx, KeyMailUser)
		assert.Equal(t, "alice@example.com", v)
	})

	t.Run("OpenUnknown", func(t *testing.T) {
		_, ok := p.Open(ctx, "unknown")
		assert.False(t, ok)
	})

	t.Run("Destroy", func(t *testing.T) {
		tok, _, err := p.Create(ctx)
		require.NoError(t, err)
		p.Destroy(ctx, tok)
		_, ok := p.Open(ctx, tok)
		assert.False(t, ok)
		p.Destroy(ctx, "never-existed")
	})
}

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p := NewMemoryProvider(time.Hour, 10*time.Minute)
	defer p.Close()
	p.now = func() time.Time { return now }

	t.Run("IdleTimeout", func(t *testing.T) {
		token, _, err := p.Create(ctx)
		require.NoError(t, err)

		now = now.Add(9 * time.Minute)
		_, ok := p.Open(ctx, token)
		require.True(t, ok, "access inside the idle window refreshes it")

		now = now.Add(9 * time.Minute)
		_, ok = p.Open(ctx, token)
		require.True(t, ok)

		now = now.Add(11 * time.Minute)
		_, ok = p.Open(ctx, token)
		assert.False(t, ok)
	})

	t.Run("MaxAge", func(t *testing.T) {
		token, _, err := p.Create(ctx)
		require.NoError(t, err)
		for i := 0; i < 6; i++ {
			now = now.Add(9 * time.Minute)
			_, ok := p.Open(ctx, token)
			require.True(t, ok)
		}
		now = now.Add(9 * time.Minute)
		_, ok := p.Open(ctx, token)
		assert.False(t, ok, "sessions end after max age regardless of activity")
	})

	t.Run("Sweep", func(t *testing.T) {
		_, _, err := p.Create(ctx)
		require.NoError(t, err)
		now = now.Add(2 * time.Hour)
		p.sweep()
		assert.Equal(t, 0, p.Len())
	})
}
