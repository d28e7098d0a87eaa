package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "creditd-test-secret"

func newGuardedRouter(secret string) *gin.Engine {
	router := gin.New()
	router.Use(requireAuth(secret))
	router.POST("/guarded", func(ctx *gin.Context) {
		caller, _ := ctx.Get(callerKey)
		ctx.JSON(http.StatusOK, gin.H{"caller": caller})
	})
	return router
}

func performAuthorized(router http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/guarded", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("payment-verifier", testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := parseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "payment-verifier", claims.Service)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("payment-verifier", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = parseToken(token, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("payment-verifier", testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = parseToken(token, testSecret)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := parseToken("not-a-jwt", testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth_MissingToken(t *testing.T) {
	router := newGuardedRouter(testSecret)

	w := performAuthorized(router, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_MalformedHeader(t *testing.T) {
	router := newGuardedRouter(testSecret)

	req := httptest.NewRequest("POST", "/guarded", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_ValidTokenPasses(t *testing.T) {
	router := newGuardedRouter(testSecret)
	token, err := GenerateToken("payment-verifier", testSecret, time.Hour)
	require.NoError(t, err)

	w := performAuthorized(router, token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payment-verifier")
}

func TestRequireAuth_EmptySecretDisablesCheck(t *testing.T) {
	router := newGuardedRouter("")

	w := performAuthorized(router, "")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_MutatingRoutesGuarded(t *testing.T) {
	server := setupServer(t, Config{AuthSecret: testSecret})
	router := server.Router()

	w := performRequest(router, "POST", "/v1/accounts", provisionRequest{AccountID: "acct-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Reads and health stay open.
	w = performRequest(router, "GET", "/v1/accounts/acct-1/balance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = performRequest(router, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_MutatingRoutesAcceptToken(t *testing.T) {
	server := setupServer(t, Config{AuthSecret: testSecret})
	token, err := GenerateToken("payment-verifier", testSecret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/accounts", jsonBody(t, provisionRequest{AccountID: "acct-1"}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
}
