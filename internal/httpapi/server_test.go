package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap/zaptest"
)

const (
	testSigningKey = "secret-key"
	testIssuer     = "tauth"
	testCookieName = "app_session"
	testOrigin     = "http://localhost:8000"
)

func startServer(t *testing.T, adminUserIDs ...string) *httptest.Server {
	t.Helper()
	service, err := credits.NewService(memstore.New(), func() time.Time { return time.Now().UTC() })
	require.NoError(t, err)
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: testCookieName,
	})
	require.NoError(t, err)

	router := NewRouter(Options{
		AllowedOrigins: []string{testOrigin},
		AdminUserIDs:   adminUserIDs,
		RequestTimeout: 2 * time.Second,
	}, service, validator, metrics.NewRecorder(), zaptest.NewLogger(t))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func sessionCookie(t *testing.T, userID string, roles ...string) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func doRequest(t *testing.T, server *httptest.Server, method string, path string, cookie *http.Cookie, payload any) (int, map[string]any) {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, server.URL+path, body)
	require.NoError(t, err)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	decoded := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return response.StatusCode, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ := envelope["code"].(string)
	return code
}

func TestHealthzAndMetrics(t *testing.T) {
	server := startServer(t)
	statusCode, body := doRequest(t, server, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, "ok", body["status"])

	response, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `creditledger_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestRequiresSession(t *testing.T) {
	server := startServer(t)
	statusCode, _ := doRequest(t, server, http.MethodPost, "/api/ping", nil, map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, statusCode)
}

func TestBootstrapPingUntilExhausted(t *testing.T) {
	server := startServer(t)
	cookie := sessionCookie(t, "user-1")

	statusCode, body := doRequest(t, server, http.MethodPost, "/api/account/bootstrap", cookie, nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, float64(credits.NewUserBonusCredits), body["credits"].(map[string]any)["leftCredits"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/bootstrap", cookie, nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, false, body["created"])

	for remaining := credits.NewUserBonusCredits - 1; remaining >= 0; remaining-- {
		statusCode, body = doRequest(t, server, http.MethodPost, "/api/ping", cookie, map[string]any{"message": "hello"})
		require.Equal(t, http.StatusOK, statusCode, body)
		assert.Equal(t, "hello", body["pong"])
		assert.Equal(t, float64(remaining), body["balance"])
		assert.NotEmpty(t, body["transactionId"])
	}

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/ping", cookie, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusPaymentRequired, statusCode)
	assert.Equal(t, credits.CodeInsufficientCredits, errorCode(t, body))

	statusCode, body = doRequest(t, server, http.MethodGet, "/api/account/credits/status", cookie, nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, float64(0), body["leftCredits"])
	assert.Equal(t, false, body["isPro"])
	assert.Equal(t, false, body["isRecharged"])
}

func TestConsumeAndValidation(t *testing.T) {
	server := startServer(t)
	cookie := sessionCookie(t, "user-2")

	statusCode, _ := doRequest(t, server, http.MethodPost, "/api/account/credits/grant", cookie, map[string]any{"credits": 5})
	require.Equal(t, http.StatusOK, statusCode)

	statusCode, body := doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, map[string]any{"credits": -2})
	require.Equal(t, http.StatusBadRequest, statusCode)
	assert.Equal(t, credits.CodeInvalidAmount, errorCode(t, body))

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, map[string]any{"credits": 0})
	require.Equal(t, http.StatusBadRequest, statusCode)
	assert.Equal(t, credits.CodeInvalidAmount, errorCode(t, body))

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, float64(4), body["balance"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, map[string]any{})
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, float64(3), body["balance"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, map[string]any{"credits": 3})
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, float64(0), body["balance"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/ping", cookie, map[string]any{})
	require.Equal(t, http.StatusBadRequest, statusCode)
	assert.Equal(t, codeInvalidPayload, errorCode(t, body))
	details, ok := body["details"].([]any)
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, "required", details[0].(map[string]any)["rule"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits/grant", cookie, map[string]any{"credits": -1})
	require.Equal(t, http.StatusBadRequest, statusCode)
	assert.Equal(t, credits.CodeInvalidAmount, errorCode(t, body))
}

func TestSummaryEndpoint(t *testing.T) {
	server := startServer(t)
	cookie := sessionCookie(t, "user-3")
	expiresAt := time.Now().UTC().Add(72 * time.Hour)

	statusCode, body := doRequest(t, server, http.MethodPost, "/api/account/credits/grant", cookie, map[string]any{
		"credits":   7,
		"expiredAt": expiresAt.Format(time.RFC3339),
		"orderNo":   "order-7",
	})
	require.Equal(t, http.StatusOK, statusCode, body)
	_, _ = doRequest(t, server, http.MethodPost, "/api/account/credits/grant", cookie, map[string]any{"credits": 3})
	_, _ = doRequest(t, server, http.MethodPost, "/api/account/credits/consume", cookie, map[string]any{"credits": 2})

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits", cookie, map[string]any{"ledgerLimit": 1})
	require.Equal(t, http.StatusOK, statusCode, body)
	assert.Equal(t, float64(8), body["balance"])
	assert.Equal(t, float64(10), body["granted"])
	assert.Equal(t, float64(2), body["consumed"])
	ledger := body["ledger"].([]any)
	require.Len(t, ledger, 1)
	assert.Equal(t, "consumption", ledger[0].(map[string]any)["transactionType"])
	expiring := body["expiringSoon"].([]any)
	require.Len(t, expiring, 1)
	assert.Equal(t, "order-7", expiring[0].(map[string]any)["orderNo"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits", cookie, map[string]any{"includeLedger": false, "includeExpiring": false})
	require.Equal(t, http.StatusOK, statusCode)
	assert.Empty(t, body["ledger"])
	assert.Empty(t, body["expiringSoon"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/account/credits", cookie, map[string]any{"ledgerLimit": 1000})
	require.Equal(t, http.StatusBadRequest, statusCode)
	assert.Equal(t, codeInvalidPayload, errorCode(t, body))
}

func TestTextToVideoCharge(t *testing.T) {
	server := startServer(t)
	cookie := sessionCookie(t, "user-4")
	_, _ = doRequest(t, server, http.MethodPost, "/api/account/credits/grant", cookie, map[string]any{"credits": 20})

	statusCode, body := doRequest(t, server, http.MethodPost, "/api/tasks/text-to-video/charge", cookie, map[string]any{
		"durationSeconds": 5,
		"aspectRatio":     "portrait",
	})
	require.Equal(t, http.StatusOK, statusCode, body)
	assert.Equal(t, float64(5), body["charged"])
	assert.Equal(t, float64(15), body["balance"])

	statusCode, _ = doRequest(t, server, http.MethodPost, "/api/tasks/text-to-video/charge", cookie, map[string]any{
		"durationSeconds": 5,
		"aspectRatio":     "panorama",
	})
	assert.Equal(t, http.StatusBadRequest, statusCode)
}

func TestAdminAccess(t *testing.T) {
	server := startServer(t, "root-user")
	grantPayload := map[string]any{"userUuid": "customer-1", "credits": 25}
	testCases := []struct {
		name           string
		cookie         *http.Cookie
		method         string
		path           string
		payload        any
		expectedStatus int
	}{
		{name: "writer_grants", cookie: sessionCookie(t, "ops-1", roleAdminWrite), method: http.MethodPost, path: "/api/admin/credits/grant", payload: grantPayload, expectedStatus: http.StatusOK},
		{name: "reader_cannot_grant", cookie: sessionCookie(t, "ops-2", roleAdminRead), method: http.MethodPost, path: "/api/admin/credits/grant", payload: grantPayload, expectedStatus: http.StatusForbidden},
		{name: "reader_reads", cookie: sessionCookie(t, "ops-2", roleAdminRead), method: http.MethodGet, path: "/api/admin/users/customer-1/credits", expectedStatus: http.StatusOK},
		{name: "user_cannot_read", cookie: sessionCookie(t, "customer-1"), method: http.MethodGet, path: "/api/admin/users/customer-1/credits", expectedStatus: http.StatusForbidden},
		{name: "allow_listed_grants", cookie: sessionCookie(t, "root-user"), method: http.MethodPost, path: "/api/admin/credits/grant", payload: grantPayload, expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		statusCode, body := doRequest(t, server, testCase.method, testCase.path, testCase.cookie, testCase.payload)
		assert.Equal(t, testCase.expectedStatus, statusCode, "%s: %v", testCase.name, body)
	}

	statusCode, body := doRequest(t, server, http.MethodGet, "/api/admin/users/customer-1/credits", sessionCookie(t, "root-user"), nil)
	require.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, float64(50), body["balance"])
	ledger := body["ledger"].([]any)
	require.Len(t, ledger, 2)
	assert.Equal(t, "admin_grant", ledger[0].(map[string]any)["transactionType"])

	statusCode, body = doRequest(t, server, http.MethodPost, "/api/admin/credits/grant", sessionCookie(t, "root-user"), map[string]any{"credits": 5})
	require.Equal(t, http.StatusBadRequest, statusCode)
	details := body["details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "UserUUID", details[0].(map[string]any)["field"])
}
