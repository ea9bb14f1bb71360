// Tests in this package use testify rather than plain t.Fatalf: delivery is
// asynchronous and the websocket tests poll with require.Eventually.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/devcircle/backend/internal/auth"
	"github.com/devcircle/backend/internal/database/databasetest"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/messages"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/notifications"
	"github.com/devcircle/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret = "realtime-secret"
	testIssuer = "devcircle-auth"
)

// fakeConn records queued events in memory.
type fakeConn struct {
	handle     string
	credential string

	mu     sync.Mutex
	events []Event
	closed bool
	full   bool
}

func newFakeConn(handle, credential string) *fakeConn {
	return &fakeConn{handle: handle, credential: credential}
}

func (c *fakeConn) Handle() string     { return c.handle }
func (c *fakeConn) Credential() string { return c.credential }

func (c *fakeConn) Send(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.events = append(c.events, event)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type hubFixture struct {
	hub           *Hub
	db            *gorm.DB
	issuer        *auth.TokenIssuer
	notifications *notifications.Service
	metrics       *metrics.RealtimeMetrics
	now           time.Time
}

func newHubFixture(t *testing.T) hubFixture {
	t.Helper()
	return newHubFixtureWithBackplane(t, nil)
}

func newHubFixtureWithBackplane(t *testing.T, backplane Backplane) hubFixture {
	t.Helper()
	db := databasetest.Open(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		databasetest.User(t, db, id)
	}
	now := time.Now().UTC()

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		Clock:         func() time.Time { return now },
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	require.NoError(t, err)

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	messageStore, err := messages.NewService(messages.ServiceConfig{Database: db, Users: directory, IDProvider: ids.NewSequence("m-")})
	require.NoError(t, err)
	notificationStore, err := notifications.NewService(notifications.ServiceConfig{Database: db, IDProvider: ids.NewSequence("n-")})
	require.NoError(t, err)

	realtimeMetrics := metrics.NewRealtimeMetrics(prometheus.NewRegistry())
	hub, err := NewHub(HubConfig{
		Verifier:      verifier,
		Messages:      messageStore,
		Notifications: notificationStore,
		Backplane:     backplane,
		Metrics:       realtimeMetrics,
	})
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Close() })

	return hubFixture{
		hub:           hub,
		db:            db,
		issuer:        issuer,
		notifications: notificationStore,
		metrics:       realtimeMetrics,
		now:           now,
	}
}

func (f hubFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, event Event) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	return payload
}
