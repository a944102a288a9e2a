package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync"
	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/backend/memory"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/models"
	"github.com/tidylist/tidysync/pkg/realtime"
)

var secret = []byte("relay-secret")

func TestParse(t *testing.T) {
	t.Setenv("TIDYRELAY_JWT_SECRET", "from-env")

	config, err := Parse([]string{"-addr", ":9000", "-log-format", "console"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", config.Addr)
	assert.Equal(t, "from-env", config.JWTSecret)
	assert.Equal(t, "console", config.LogFormat)

	_, err = Parse([]string{"-log-format", "xml"})
	assert.Error(t, err)
	_, err = Parse([]string{"serve"})
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	authorize := Authorize(auth.NewVerifier(secret))
	token, err := auth.Sign(secret, auth.Identity{Subject: "u1", Email: "alice@example.com"}, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, authorize(token, tidysync.ListsTopic))
	assert.NoError(t, authorize(token, tidysync.InvitationsTopic("u1")))
	assert.Error(t, authorize(token, tidysync.InvitationsTopic("u2")))
	assert.ErrorIs(t, authorize("", tidysync.ListsTopic), auth.ErrInvalidToken)

	forged, err := auth.Sign([]byte("other"), auth.Identity{Subject: "u1"}, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, authorize(forged, tidysync.ListsTopic), auth.ErrInvalidToken)
}

func startRouter(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(NewRelay(&Config{JWTSecret: string(secret)}, logger.Nop, reg), reg))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := startRouter(t)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tidyrelay_connections")
}

func connect(t *testing.T, url string, db *memory.DB, id auth.Identity) *tidysync.Client {
	t.Helper()
	token, err := auth.Sign(secret, id, time.Hour)
	require.NoError(t, err)
	session := auth.NewTokenSession(token)

	rt, err := realtime.Dial(context.Background(), url, realtime.WithSession(session))
	require.NoError(t, err)

	c, err := tidysync.New(db.Tables(), rt, session, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return c
}

func TestCreateReachesOtherDevice(t *testing.T) {
	ctx := context.Background()
	_, url := startRouter(t)
	db := memory.New()
	alice := auth.Identity{Subject: "u1", Email: "alice@example.com"}

	phone, err := connect(t, url, db, alice).Lists(ctx)
	require.NoError(t, err)
	laptop, err := connect(t, url, db, alice).Lists(ctx)
	require.NoError(t, err)

	l, err := phone.Create(ctx, models.List{Title: "Groceries"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := laptop.Get(l.ID)
		return ok && got.Title == "Groceries"
	}, 2*time.Second, 10*time.Millisecond)
}
