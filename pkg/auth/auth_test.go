package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/types"
)

type memTokens struct {
	mu      sync.Mutex
	tokens  []types.TokenRecord
	touched []string
}

func (m *memTokens) ListTokens(context.Context) ([]types.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.TokenRecord(nil), m.tokens...), nil
}

func (m *memTokens) TouchTokenLastUsed(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, TokenPrefix))
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), len(TokenPrefix)+32)
}

func TestHashVerifyRoundTrip(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	hash, err := HashToken(token)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := verifyHash(token, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyHash(token+"x", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashUniqueSalt(t *testing.T) {
	h1, err := HashToken("same-token")
	require.NoError(t, err)
	h2, err := HashToken("same-token")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifierAcceptsExactlyStored(t *testing.T) {
	good, _ := GenerateToken()
	goodHash, err := HashToken(good)
	require.NoError(t, err)

	store := &memTokens{tokens: []types.TokenRecord{
		{ID: "tok-1", Hash: goodHash, CreatedAt: time.Now()},
	}}
	v := NewVerifier(store)

	rec, err := v.Verify(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.ID)

	_, err = v.Verify(context.Background(), good+"tampered")
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)

	other, _ := GenerateToken()
	_, err = v.Verify(context.Background(), other)
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)

	// Successful verification records last-used asynchronously.
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.touched) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestVerifierExpiredToken(t *testing.T) {
	token, _ := GenerateToken()
	hash, err := HashToken(token)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	store := &memTokens{tokens: []types.TokenRecord{
		{ID: "tok-1", Hash: hash, ExpiresAt: &past},
	}}

	_, err = NewVerifier(store).Verify(context.Background(), token)
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)
}

func TestVerifierSkipsMalformedHash(t *testing.T) {
	token, _ := GenerateToken()
	hash, err := HashToken(token)
	require.NoError(t, err)

	store := &memTokens{tokens: []types.TokenRecord{
		{ID: "bad", Hash: "$argon2id$garbage"},
		{ID: "good", Hash: hash},
	}}

	rec, err := NewVerifier(store).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "good", rec.ID)
}

func TestParsePHCRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"plainhash",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!$aGFzaA",
	} {
		_, err := parsePHC(s)
		assert.Error(t, err, s)
	}
}
