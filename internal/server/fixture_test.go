package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devcircle/backend/internal/auth"
	"github.com/devcircle/backend/internal/database/databasetest"
	"github.com/devcircle/backend/internal/feed"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/messages"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/notifications"
	"github.com/devcircle/backend/internal/realtime"
	"github.com/devcircle/backend/internal/social"
	"github.com/devcircle/backend/internal/threads"
	"github.com/devcircle/backend/internal/users"
	"github.com/devcircle/backend/internal/votes"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "devcircle-auth"
)

type apiFixture struct {
	handler http.Handler
	db      *gorm.DB
	hub     *realtime.Hub
	issuer  *auth.TokenIssuer
}

func newAPIFixture(t *testing.T, allowedOrigins ...string) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := databasetest.Open(t)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	registry := metrics.NewRegistry()
	check := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("failed to build dependency: %v", err)
		}
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	check(err)
	notificationStore, err := notifications.NewService(notifications.ServiceConfig{Database: db, IDProvider: ids.NewSequence("n-")})
	check(err)
	messageStore, err := messages.NewService(messages.ServiceConfig{Database: db, Users: directory, IDProvider: ids.NewSequence("m-")})
	check(err)
	hub, err := realtime.NewHub(realtime.HubConfig{
		Verifier:      verifier,
		Messages:      messageStore,
		Notifications: notificationStore,
		Metrics:       metrics.NewRealtimeMetrics(registry),
	})
	check(err)
	check(hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Close() })

	voteService, err := votes.NewService(votes.ServiceConfig{Database: db, Notifier: hub, Metrics: metrics.NewVoteMetrics(registry), IDProvider: ids.NewSequence("v-")})
	check(err)
	threadService, err := threads.NewService(threads.ServiceConfig{Database: db, Scores: voteService, Notifier: hub, IDProvider: ids.NewSequence("c-")})
	check(err)
	feedService, err := feed.NewService(feed.ServiceConfig{Database: db, Scores: voteService, Users: directory, Metrics: metrics.NewFeedMetrics(registry)})
	check(err)
	socialService, err := social.NewService(social.ServiceConfig{Database: db, Notifier: hub})
	check(err)

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:       verifier,
		Votes:          voteService,
		Threads:        threadService,
		Feed:           feedService,
		Social:         socialService,
		Notifications:  notificationStore,
		Messages:       messageStore,
		Hub:            hub,
		AllowedOrigins: allowedOrigins,
		Metrics:        registry,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return apiFixture{handler: handler, db: db, hub: hub, issuer: issuer}
}

func (f apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do performs a request as userID (anonymous when empty) and decodes a JSON
// response into out when out is non-nil.
func (f apiFixture) do(t *testing.T, method, path, userID string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if out != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, recorder.Body.String(), err)
		}
	}
	return recorder.Code
}
