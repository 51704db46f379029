package keydir

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/directoryclient"
)

type fakeResolver struct {
	banks       map[string]directoryclient.Bank
	sets        map[string]KeySet
	lookupErr   error
	fetchErr    error
	lookupCalls int
	fetchCalls  int
}

func (f *fakeResolver) LookupBank(ctx context.Context, prefix string) (*directoryclient.Bank, error) {
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	bank, ok := f.banks[prefix]
	if !ok {
		return nil, directoryclient.ErrBankNotFound
	}
	return &bank, nil
}

func (f *fakeResolver) FetchKeySet(ctx context.Context, url string) ([]byte, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return json.Marshal(f.sets[url])
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func peerResolver(kid string, pub *rsa.PublicKey) *fakeResolver {
	return &fakeResolver{
		banks: map[string]directoryclient.Bank{
			"XYZ": {Prefix: "XYZ", APIURL: "https://xyz", JWKSURL: "https://xyz/.well-known/jwks.json"},
		},
		sets: map[string]KeySet{
			"https://xyz/.well-known/jwks.json": {Keys: []JWK{NewJWK(kid, pub)}},
		},
	}
}

func TestOwnKeySet_IsDeterministic(t *testing.T) {
	key := newKey(t)
	dir, err := New("abc", "", key, nil, nil)
	require.NoError(t, err)

	first := dir.OwnKeySet()
	second := dir.OwnKeySet()
	assert.Equal(t, first, second)
	require.Len(t, first.Keys, 1)
	assert.Equal(t, "1", first.Keys[0].Kid)
	assert.Equal(t, "RS256", first.Keys[0].Alg)
	assert.Equal(t, "sig", first.Keys[0].Use)
	assert.Equal(t, "AQAB", first.Keys[0].E)
	assert.Equal(t, "ABC", dir.Prefix())

	pub, err := first.Keys[0].PublicKey()
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestResolve_FetchesThenServesFromCache(t *testing.T) {
	peer := newKey(t)
	resolver := peerResolver("1", &peer.PublicKey)
	dir, err := New("ABC", "1", newKey(t), resolver, cache.NewMemoryCache())
	require.NoError(t, err)

	remote, err := dir.Resolve(context.Background(), "xyz", "1")
	require.NoError(t, err)
	assert.False(t, remote.Cached)
	assert.True(t, remote.Key.Equal(&peer.PublicKey))

	remote, err = dir.Resolve(context.Background(), "XYZ", "1")
	require.NoError(t, err)
	assert.True(t, remote.Cached)
	assert.Equal(t, 1, resolver.fetchCalls)

	require.NoError(t, dir.Invalidate(context.Background(), "XYZ", "1"))
	_, err = dir.ResolveRemotePublicKey(context.Background(), "XYZ", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.fetchCalls)
}

func TestResolve_CacheExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	peer := newKey(t)
	resolver := peerResolver("1", &peer.PublicKey)
	dir, err := New("ABC", "1", newKey(t), resolver, cache.NewMemoryCacheWithClock(clock), WithClock(clock))
	require.NoError(t, err)

	_, err = dir.Resolve(context.Background(), "XYZ", "1")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	remote, err := dir.Resolve(context.Background(), "XYZ", "1")
	require.NoError(t, err)
	assert.False(t, remote.Cached)
	assert.Equal(t, 2, resolver.fetchCalls)
}

func TestResolve_UnknownKidIsKeyNotFound(t *testing.T) {
	peer := newKey(t)
	dir, err := New("ABC", "1", newKey(t), peerResolver("1", &peer.PublicKey), nil)
	require.NoError(t, err)

	_, err = dir.Resolve(context.Background(), "XYZ", "7")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolve_DirectoryFailures(t *testing.T) {
	resolver := &fakeResolver{lookupErr: directoryclient.ErrDirectoryUnavailable}
	dir, err := New("ABC", "1", newKey(t), resolver, nil)
	require.NoError(t, err)

	_, err = dir.Resolve(context.Background(), "XYZ", "1")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)

	peer := newKey(t)
	resolver = peerResolver("1", &peer.PublicKey)
	resolver.fetchErr = errors.New("connection refused")
	dir, err = New("ABC", "1", newKey(t), resolver, nil)
	require.NoError(t, err)
	_, err = dir.Resolve(context.Background(), "XYZ", "1")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)

	_, err = dir.Resolve(context.Background(), "QQQ", "1")
	assert.ErrorIs(t, err, directoryclient.ErrBankNotFound)
}

func TestRotate_PublishesBothKeys(t *testing.T) {
	first := newKey(t)
	second := newKey(t)
	dir, err := New("ABC", "1", first, nil, nil)
	require.NoError(t, err)

	require.NoError(t, dir.Rotate("2", second))
	kid, active := dir.SigningKey()
	assert.Equal(t, "2", kid)
	assert.Same(t, second, active)

	set := dir.OwnKeySet()
	require.Len(t, set.Keys, 2)
	assert.Equal(t, "1", set.Keys[0].Kid)
	assert.Equal(t, "2", set.Keys[1].Kid)

	assert.Error(t, dir.Rotate("1", second))
	assert.Error(t, dir.Retire("2"))
	require.NoError(t, dir.Retire("1"))
	assert.Len(t, dir.OwnKeySet().Keys, 1)
}

func TestGenerateAndLoadKeyFiles(t *testing.T) {
	dir := t.TempDir()

	for _, passphrase := range []string{"", "bankkey123"} {
		priv := filepath.Join(dir, "private-"+passphrase+".pem")
		pub := filepath.Join(dir, "public-"+passphrase+".pem")

		generated, err := GenerateKeyFiles(priv, pub, passphrase, 2048)
		require.NoError(t, err)

		loaded, err := LoadPrivateKey(priv, passphrase)
		require.NoError(t, err)
		assert.True(t, loaded.Equal(generated))

		loadedPub, err := LoadPublicKey(pub)
		require.NoError(t, err)
		assert.True(t, loadedPub.Equal(&generated.PublicKey))
	}

	_, err := LoadPrivateKey(filepath.Join(dir, "private-bankkey123.pem"), "")
	assert.Error(t, err)
}

func TestCheckPublicKeyFile(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "private.pem")
	pub := filepath.Join(dir, "public.pem")
	key, err := GenerateKeyFiles(priv, pub, "", 2048)
	require.NoError(t, err)

	require.NoError(t, CheckPublicKeyFile(pub, key))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assert.ErrorIs(t, CheckPublicKeyFile(pub, other), ErrKeyPairMismatch)

	assert.ErrorIs(t, CheckPublicKeyFile(filepath.Join(dir, "missing.pem"), key), fs.ErrNotExist)
}
