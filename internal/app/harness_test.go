package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/keydir"
	"github.com/transfa/settlement-service/pkg/peerclient"
	"github.com/transfa/settlement-service/pkg/retry"
)

// fakeNetwork stands in for the central bank directory.
type fakeNetwork struct {
	mu        sync.Mutex
	banks     map[string]directoryclient.Bank
	keySets   map[string]keydir.KeySet
	lookupErr error
	lookups   int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		banks:   map[string]directoryclient.Bank{},
		keySets: map[string]keydir.KeySet{},
	}
}

func (n *fakeNetwork) LookupBank(_ context.Context, prefix string) (*directoryclient.Bank, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookups++
	if n.lookupErr != nil {
		return nil, n.lookupErr
	}
	bank, ok := n.banks[prefix]
	if !ok {
		return nil, directoryclient.ErrBankNotFound
	}
	return &bank, nil
}

func (n *fakeNetwork) FetchKeySet(_ context.Context, url string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.keySets[url]
	if !ok {
		return nil, directoryclient.ErrDirectoryUnavailable
	}
	return json.Marshal(set)
}

func (n *fakeNetwork) RegisterSelf(_ context.Context, reg directoryclient.Registration) (*directoryclient.Bank, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bank := directoryclient.Bank{Prefix: reg.Prefix, Name: reg.Name, APIURL: reg.APIURL, JWKSURL: reg.JWKSURL, IsActive: true}
	n.banks[reg.Prefix] = bank
	return &bank, nil
}

func (n *fakeNetwork) HealthCheck(_ context.Context) directoryclient.Health {
	return directoryclient.Health{Connected: true, Status: "ok"}
}

func (n *fakeNetwork) publish(prefix, apiURL string, set keydir.KeySet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	jwksURL := apiURL + "/.well-known/jwks.json"
	n.banks[prefix] = directoryclient.Bank{Prefix: prefix, Name: prefix + " bank", APIURL: apiURL, JWKSURL: jwksURL, IsActive: true}
	n.keySets[jwksURL] = set
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SettlementEvent
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.SettlementEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) statuses() []domain.TransactionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TransactionStatus, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

// node is one bank running the engine behind a minimal b2b HTTP surface.
type node struct {
	prefix    string
	svc       *Service
	repo      *store.MemoryRepository
	keys      *keydir.Directory
	events    *recordingPublisher
	sleeps    []time.Duration
	server    *httptest.Server
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

var (
	keyOnce sync.Once
	keyPool []*rsa.PrivateKey
)

// testKey hands out one of a few keys shared by every test in the package.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for j := 0; j < 3; j++ {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keyPool = append(keyPool, key)
		}
	})
	return keyPool[i%len(keyPool)]
}

func newNode(t *testing.T, network *fakeNetwork, prefix string, keyIndex int) *node {
	t.Helper()
	n := &node{prefix: prefix, events: &recordingPublisher{}}

	keys, err := keydir.New(prefix, prefix+"-key-1", testKey(t, keyIndex), network, cache.NewMemoryCache(), keydir.WithLogger(logging.Discard()))
	require.NoError(t, err)
	n.keys = keys
	n.repo = store.NewMemoryRepository()

	peers := peerclient.NewClient(
		peerclient.WithLogger(logging.Discard()),
		peerclient.WithRetryPolicy(retry.Policy{
			Attempts:  3,
			BaseDelay: time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				n.sleeps = append(n.sleeps, d)
				return nil
			},
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transactions/b2b", func(w http.ResponseWriter, r *http.Request) {
		if n.intercept != nil && n.intercept(w, r) {
			return
		}
		var req domain.B2BRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		name, err := n.svc.AcceptIncoming(r.Context(), req.JWT)
		if err != nil {
			writeTestJSON(w, HTTPStatusForIncomingError(err), map[string]string{"error": err.Error()})
			return
		}
		writeTestJSON(w, http.StatusOK, domain.B2BResponse{ReceiverName: name})
	})
	mux.HandleFunc("GET /transactions/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		view, err := n.svc.GetTransactionStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeTestJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeTestJSON(w, http.StatusOK, view)
	})
	n.server = httptest.NewServer(mux)
	t.Cleanup(n.server.Close)

	n.svc = NewService(Dependencies{
		Repo:      n.repo,
		Keys:      keys,
		Directory: network,
		Peers:     peers,
		Publisher: n.events,
		Logger:    logging.Discard(),
		Settings:  Settings{BankName: prefix + " bank", BaseURL: n.server.URL, JWKSURL: n.server.URL + "/.well-known/jwks.json"},
	})
	network.publish(prefix, n.server.URL, keys.OwnKeySet())
	return n
}

func (n *node) openAccount(t *testing.T, owner string, balance int64) string {
	t.Helper()
	account, err := n.svc.OpenAccount(context.Background(), domain.OpenAccountRequest{
		OwnerID:        owner,
		OwnerName:      owner,
		Currency:       domain.CurrencyEUR,
		InitialDeposit: balance,
	})
	require.NoError(t, err)
	return account.AccountNumber
}

func (n *node) balance(t *testing.T, account string) int64 {
	t.Helper()
	acc, err := n.repo.FindAccountByNumber(context.Background(), account)
	require.NoError(t, err)
	return acc.Balance
}

func writeTestJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
