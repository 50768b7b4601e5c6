package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfordpass/bridge/pkg/statestore"
)

func TestNewTokenExpiry(t *testing.T) {
	receipt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok, err := NewToken(&TokenResponse{AccessToken: "abc", RefreshToken: "def", ExpiresIn: 1800}, receipt)
	require.NoError(t, err)
	assert.Equal(t, receipt.Add(30*time.Minute), tok.ExpiresAt)
	assert.Equal(t, "def", tok.RefreshToken)
}

func TestNewTokenWithoutAccessToken(t *testing.T) {
	_, err := NewToken(&TokenResponse{Message: "Invalid or Expired Token"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid or Expired Token")
}

func TestTokenValidMargin(t *testing.T) {
	tok := &Token{AccessToken: "abc", ExpiresAt: time.Now().Add(time.Minute)}
	assert.True(t, tok.Valid(30*time.Second))
	assert.False(t, tok.Valid(2*time.Minute))

	var nilTok *Token
	assert.False(t, nilTok.Valid(0))
	assert.False(t, (&Token{ExpiresAt: time.Now().Add(time.Hour)}).Valid(0))
}

func TestStorePersistRestore(t *testing.T) {
	ctx := context.Background()
	ext := statestore.NewMemStore()

	st := NewStore(ext)
	sess := &Token{AccessToken: "sess", RefreshToken: "ref", ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}
	tel := &Token{AccessToken: "tel", ExpiresAt: time.Now().Add(10 * time.Minute).Truncate(time.Second)}
	require.NoError(t, st.SetSession(ctx, sess))
	require.NoError(t, st.SetTelemetry(ctx, tel))

	restored := NewStore(ext)
	require.NoError(t, restored.Restore(ctx))
	require.NotNil(t, restored.Session())
	assert.Equal(t, "sess", restored.Session().AccessToken)
	assert.Equal(t, "ref", restored.Session().RefreshToken)
	require.NotNil(t, restored.Telemetry())
	assert.Equal(t, "tel", restored.Telemetry().AccessToken)
}

func TestStoreRestoreWithoutBlob(t *testing.T) {
	st := NewStore(statestore.NewMemStore())
	require.NoError(t, st.Restore(context.Background()))
	assert.Nil(t, st.Session())
}

func TestStoreInvalidate(t *testing.T) {
	ctx := context.Background()
	ext := statestore.NewMemStore()
	st := NewStore(ext)
	require.NoError(t, st.SetSession(ctx, &Token{AccessToken: "sess", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, st.Invalidate(ctx))

	restored := NewStore(ext)
	require.NoError(t, restored.Restore(ctx))
	assert.Nil(t, restored.Session())
}

func TestVerifierRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewStore(statestore.NewMemStore())

	v, err := st.Verifier(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, st.SaveVerifier(ctx, "verifier123"))
	v, err = st.Verifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "verifier123", v)

	require.NoError(t, st.ClearVerifier(ctx))
	v, err = st.Verifier(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)
}
