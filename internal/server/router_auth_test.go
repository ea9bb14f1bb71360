package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devcircle/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	recorder, logs := runAuthorize(t, "Bearer expired-token", stubVerifier{err: auth.ErrExpiredCredential})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredCredential) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	recorder, logs := runAuthorize(t, "Bearer invalid-token", stubVerifier{err: errors.New("signature mismatch")})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a single warn entry, got %#v", entries)
	}
}

func TestAuthorizeRequestRejectsMissingBearer(t *testing.T) {
	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		recorder, logs := runAuthorize(t, header, stubVerifier{userID: "alice"})
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", header, recorder.Code)
		}
		if logs.Len() != 0 {
			t.Fatalf("expected no verification attempt for %q", header)
		}
	}
}

func TestAuthorizeRequestStoresUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/feed", http.NoBody)
	request.Header.Set("Authorization", "bearer good-token")
	ctx.Request = request

	handler := &httpHandler{verifier: stubVerifier{userID: "alice"}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue")
	}
	if got := ctx.GetString(userIDContextKey); got != "alice" {
		t.Fatalf("expected user id alice, got %q", got)
	}
}

func runAuthorize(t *testing.T, header string, verifier CredentialVerifier) (*httptest.ResponseRecorder, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/feed", http.NoBody)
	if header != "" {
		request.Header.Set("Authorization", header)
	}
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{verifier: verifier, logger: zap.New(core)}
	handler.authorizeRequest(ctx)
	return recorder, logs
}

type stubVerifier struct {
	userID string
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (string, error) {
	return s.userID, s.err
}
