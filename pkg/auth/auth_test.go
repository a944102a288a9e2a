package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync/pkg/auth"
)

var secret = []byte("relay-secret")

func TestUsername(t *testing.T) {
	assert.Equal(t, "alice", auth.Identity{Email: "alice@example.com"}.Username())
	assert.Equal(t, "user", auth.Identity{}.Username())
	assert.Equal(t, "user", auth.Identity{Email: "@example.com"}.Username())
}

func TestStaticSession(t *testing.T) {
	_, err := auth.StaticSession{}.Identity(context.Background())
	require.ErrorIs(t, err, auth.ErrNoSession)

	id, err := auth.StaticSession{Subject: "u1", Email: "a@b.c"}.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{Subject: "u1", Email: "a@b.c"}, id)
}

func TestTokenSessionReadsClaims(t *testing.T) {
	token, err := auth.Sign(secret, auth.Identity{Subject: "u1", Email: "alice@example.com"}, time.Hour)
	require.NoError(t, err)

	s := auth.NewTokenSession(token)
	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username())
	assert.EqualValues(t, "u1", id.Subject)

	got, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)

	_, err = auth.NewTokenSession("").Identity(context.Background())
	require.ErrorIs(t, err, auth.ErrNoSession)
	_, err = auth.NewTokenSession("not-a-token").Identity(context.Background())
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifier(t *testing.T) {
	v := auth.NewVerifier(secret)

	token, err := auth.Sign(secret, auth.Identity{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.EqualValues(t, "u1", id.Subject)

	forged, err := auth.Sign([]byte("other"), auth.Identity{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	expired, err := auth.Sign(secret, auth.Identity{Subject: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
