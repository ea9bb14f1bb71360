package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.devcircle.dev"}))
	router.DELETE("/follows/:userId", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	request := httptest.NewRequest(http.MethodOptions, "/follows/u1", http.NoBody)
	request.Header.Set("Origin", "https://app.devcircle.dev")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete) {
		t.Fatalf("expected DELETE to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCORSMiddlewareRejectsUnknownOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.devcircle.dev"}))
	router.GET("/feed", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/feed", http.NoBody)
	request.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := map[string]struct{}{"https://app.devcircle.dev": {}}
	testCases := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://app.devcircle.dev", want: true},
		{origin: "HTTPS://APP.DEVCIRCLE.DEV", want: true},
		{origin: "https://evil.example.com", want: false},
		{origin: "not a url", want: false},
	}
	for _, testCase := range testCases {
		if got := originAllowed(allowed, testCase.origin); got != testCase.want {
			t.Fatalf("originAllowed(%q) = %v, want %v", testCase.origin, got, testCase.want)
		}
	}
	if !originAllowed(nil, "https://anything.example") {
		t.Fatalf("expected an empty allow list to admit every origin")
	}
}
