package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/envelope"
	"github.com/transfa/settlement-service/pkg/keydir"
	"github.com/transfa/settlement-service/pkg/peerclient"
)

const testSecret = "session-secret"

type stubDirectory struct {
	app.BankDirectory
	health directoryclient.Health
}

func (s *stubDirectory) LookupBank(ctx context.Context, prefix string) (*directoryclient.Bank, error) {
	return nil, directoryclient.ErrBankNotFound
}

func (s *stubDirectory) FetchKeySet(ctx context.Context, jwksURL string) ([]byte, error) {
	return nil, directoryclient.ErrBankNotFound
}

func (s *stubDirectory) HealthCheck(ctx context.Context) directoryclient.Health {
	return s.health
}

type stubLimiter struct {
	keys []string
}

func (s *stubLimiter) Admit(ctx context.Context, key string) (app.PeerAdmission, error) {
	s.keys = append(s.keys, key)
	if len(s.keys) > 1 {
		return app.PeerAdmission{Allowed: false, Count: int64(len(s.keys)), RetryAfter: 42 * time.Second}, nil
	}
	return app.PeerAdmission{Allowed: true, Count: 1}, nil
}

type testServer struct {
	handler http.Handler
	repo    *store.MemoryRepository
	svc     *app.Service
	key     *rsa.PrivateKey
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	directory := &stubDirectory{health: directoryclient.Health{Connected: true, Status: "ok"}}
	keys, err := keydir.New("LHV", "lhv-1", key, directory, nil, keydir.WithLogger(logging.Discard()))
	require.NoError(t, err)

	repo := store.NewMemoryRepository()
	svc := app.NewService(app.Dependencies{
		Repo:      repo,
		Keys:      keys,
		Directory: directory,
		Peers:     peerclient.NewClient(peerclient.WithLogger(logging.Discard())),
		Logger:    logging.Discard(),
	})
	h := NewSettlementHandlers(svc, opts...)
	return &testServer{
		handler: NewRouter(h, RouterConfig{SessionSecret: testSecret}),
		repo:    repo,
		svc:     svc,
		key:     key,
	}
}

func sessionToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken(t, jwt.MapClaims{"sub": user}))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) account(t *testing.T, owner string, cents int64) string {
	t.Helper()
	account, err := s.svc.OpenAccount(context.Background(), domain.OpenAccountRequest{OwnerID: owner, OwnerName: owner, InitialDeposit: cents})
	require.NoError(t, err)
	return account.AccountNumber
}

func TestInternalTransferEndpoint(t *testing.T) {
	srv := newTestServer(t)
	x := srv.account(t, "user_1", 10000)
	y := srv.account(t, "user_2", 0)

	rec := srv.do(t, http.MethodPost, "/transactions/internal", "user_1", map[string]any{
		"fromAccount": x,
		"toAccount":   y,
		"amount":      "25.00",
		"explanation": "rent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(2500), body["amount"])
	assert.Equal(t, "25.00", body["displayAmount"])
	assert.NotEmpty(t, body["transactionId"])

	yAcc, err := srv.repo.FindAccountByNumber(context.Background(), y)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), yAcc.Balance)
}

func TestTransferEndpointErrors(t *testing.T) {
	srv := newTestServer(t)
	x := srv.account(t, "user_1", 10000)
	y := srv.account(t, "user_2", 0)

	tests := []struct {
		name   string
		path   string
		user   string
		body   any
		status int
	}{
		{name: "unauthenticated", path: "/transactions", body: map[string]any{"fromAccount": x, "toAccount": y, "amount": 1}, status: http.StatusUnauthorized},
		{name: "malformed body", path: "/transactions", user: "user_1", body: "{", status: http.StatusBadRequest},
		{name: "missing amount", path: "/transactions", user: "user_1", body: map[string]any{"fromAccount": x, "toAccount": y}, status: http.StatusBadRequest},
		{name: "too many decimals", path: "/transactions", user: "user_1", body: map[string]any{"fromAccount": x, "toAccount": y, "amount": "1.005"}, status: http.StatusBadRequest},
		{name: "insufficient funds", path: "/transactions", user: "user_1", body: map[string]any{"fromAccount": x, "toAccount": y, "amount": 150}, status: http.StatusUnprocessableEntity},
		{name: "not the owner", path: "/transactions", user: "user_2", body: map[string]any{"fromAccount": x, "toAccount": y, "amount": 1}, status: http.StatusForbidden},
		{name: "same account", path: "/transactions", user: "user_1", body: map[string]any{"fromAccount": x, "toAccount": x, "amount": 1}, status: http.StatusBadRequest},
		{name: "external via internal route", path: "/transactions/internal", user: "user_1", body: map[string]any{"fromAccount": x, "toAccount": "SEB123", "amount": 1}, status: http.StatusBadRequest},
		{name: "unknown source", path: "/transactions", user: "user_1", body: map[string]any{"fromAccount": "LHVnope", "toAccount": y, "amount": 1}, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExternalTransferFailureReturnsTransaction(t *testing.T) {
	srv := newTestServer(t)
	x := srv.account(t, "user_1", 10000)

	rec := srv.do(t, http.MethodPost, "/transactions/external", "user_1", map[string]any{"fromAccount": x, "toAccount": "ZZZ999", "amount": 10})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var body struct {
		Error       string             `json:"error"`
		Transaction domain.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "bank not found")
	assert.Equal(t, domain.StatusFailed, body.Transaction.Status)

	acc, err := srv.repo.FindAccountByNumber(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), acc.Balance)
}

func TestB2BEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/transactions/b2b", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/transactions/b2b", "", map[string]string{"jwt": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token, err := envelope.Encode(envelope.Claims{
		Issuer:      "SEB",
		Audience:    "LHV",
		ID:          "TXN1",
		AccountFrom: "SEB001",
		AccountTo:   "LHV001",
		Amount:      100,
		Currency:    "EUR",
		SenderName:  "zoe",
	}, srv.key, "seb-1")
	require.NoError(t, err)

	// Issuer is unknown to the directory.
	rec = srv.do(t, http.MethodPost, "/transactions/b2b", "", map[string]string{"jwt": token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestB2BRateLimit(t *testing.T) {
	limiter := &stubLimiter{}
	srv := newTestServer(t, WithPeerLimiter(limiter))

	rec := srv.do(t, http.MethodPost, "/transactions/b2b", "", map[string]string{"jwt": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/transactions/b2b", "", map[string]string{"jwt": "garbage"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"addr:192.0.2.1", "addr:192.0.2.1"}, limiter.keys)
}

func TestB2BRateLimitIgnoresForwardedAddress(t *testing.T) {
	srv := newTestServer(t, WithPeerLimiter(app.NewMemoryPeerLimiter(1, time.Minute)))

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/transactions/b2b", strings.NewReader(`{"jwt":"garbage"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Real-IP", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{
		http.StatusBadRequest,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestB2BRateLimitCountsClaimedIssuer(t *testing.T) {
	srv := newTestServer(t, WithPeerLimiter(app.NewMemoryPeerLimiter(1, time.Minute)))
	token, err := envelope.Encode(envelope.Claims{
		Issuer:      "SEB",
		Audience:    "LHV",
		ID:          "TXN-LIMIT",
		AccountFrom: "SEB0001",
		AccountTo:   "LHV0001",
		Amount:      100,
		Currency:    "EUR",
	}, srv.key, "seb-1")
	require.NoError(t, err)

	send := func(remote string) int {
		raw, err := json.Marshal(map[string]string{"jwt": token})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/transactions/b2b", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// SEB is unknown to the directory, so an admitted request ends in 404.
	assert.Equal(t, http.StatusNotFound, send("192.0.2.10:5000"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.11:5000"), "same bank from another address")
}

func TestTransactionStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	x := srv.account(t, "user_1", 10000)
	y := srv.account(t, "user_2", 0)
	tx, err := srv.svc.SubmitInternal(context.Background(), domain.TransferRequest{FromAccount: x, ToAccount: y, Amount: 300})
	require.NoError(t, err)

	rec := srv.do(t, http.MethodGet, "/transactions/status/"+tx.TransactionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, int64(300), view.Amount)
	assert.NotNil(t, view.CompletedAt)

	rec = srv.do(t, http.MethodGet, "/transactions/status/TRX404", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeySetEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/.well-known/jwks.json", "/transactions/jwks"} {
		rec := srv.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		set, err := keydir.ParseKeySet(rec.Body.Bytes())
		require.NoError(t, err)
		jwk, ok := set.Find("lhv-1")
		require.True(t, ok)
		pub, err := jwk.PublicKey()
		require.NoError(t, err)
		assert.True(t, pub.Equal(&srv.key.PublicKey))
	}
}

func TestAccountEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/accounts", "user_1", map[string]any{"accountName": "Savings", "currency": "usd", "initialDeposit": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	number := created["accountNumber"].(string)
	assert.True(t, strings.HasPrefix(number, "LHV"))
	assert.Equal(t, "USD", created["currency"])
	assert.Equal(t, float64(1250), created["balance"])
	assert.Equal(t, "12.50", created["displayBalance"])

	rec = srv.do(t, http.MethodPost, "/accounts", "user_1", map[string]any{"currency": "JPY"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/accounts", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = srv.do(t, http.MethodGet, "/accounts/"+number, "user_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/accounts/"+number, "user_2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransactionsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	x := srv.account(t, "user_1", 10000)
	y := srv.account(t, "user_2", 0)
	_, err := srv.svc.SubmitInternal(context.Background(), domain.TransferRequest{FromAccount: x, ToAccount: y, Amount: 300, InitiatedBy: "user_1"})
	require.NoError(t, err)

	rec := srv.do(t, http.MethodGet, "/transactions", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	assert.Len(t, mine, 1)

	// The receiver sees the credit through the account filter.
	rec = srv.do(t, http.MethodGet, "/transactions?accountNumber="+y, "user_2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var theirs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &theirs))
	assert.Len(t, theirs, 1)

	rec = srv.do(t, http.MethodGet, "/transactions?accountNumber="+x, "user_2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/transactions?status=bogus", "user_1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirectoryHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/directory/health", "user_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)
}
