// Package keydir holds this bank's signing keys and resolves other banks' public keys.
package keydir

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/directoryclient"
)

var (
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrDirectoryUnavailable is shared with the directory client so callers can match
	// either layer with one errors.Is.
	ErrDirectoryUnavailable = directoryclient.ErrDirectoryUnavailable
)

const (
	DefaultKeyID    = "1"
	DefaultCacheTTL = time.Hour
)

// BankResolver is the slice of the directory client the key directory needs.
type BankResolver interface {
	LookupBank(ctx context.Context, prefix string) (*directoryclient.Bank, error)
	FetchKeySet(ctx context.Context, jwksURL string) ([]byte, error)
}

// RemoteKey is a resolved peer key. Cached reports whether it was served without a fetch.
type RemoteKey struct {
	Key       *rsa.PublicKey
	FetchedAt time.Time
	Cached    bool
}

type cachedKey struct {
	JWK       JWK       `json:"jwk"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Directory owns the local key material and the remote key cache.
type Directory struct {
	prefix   string
	resolver BankResolver
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	activeKID string
	signing   map[string]*rsa.PrivateKey
	published map[string]*rsa.PublicKey
}

type Option func(*Directory)

func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		if ttl > 0 {
			d.cacheTTL = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a key directory for the bank identified by prefix. The given key signs
// every outgoing envelope until Rotate is called.
func New(prefix, kid string, key *rsa.PrivateKey, resolver BankResolver, c cache.Cache, opts ...Option) (*Directory, error) {
	if key == nil {
		return nil, errors.New("keydir: signing key is required")
	}
	if strings.TrimSpace(kid) == "" {
		kid = DefaultKeyID
	}
	if c == nil {
		c = cache.NewMemoryCache()
	}

	d := &Directory{
		prefix:    strings.ToUpper(strings.TrimSpace(prefix)),
		resolver:  resolver,
		cache:     c,
		cacheTTL:  DefaultCacheTTL,
		logger:    slog.Default(),
		now:       time.Now,
		activeKID: kid,
		signing:   map[string]*rsa.PrivateKey{kid: key},
		published: map[string]*rsa.PublicKey{kid: &key.PublicKey},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Directory) Prefix() string {
	return d.prefix
}

// SigningKey returns the active key id and private key.
func (d *Directory) SigningKey() (string, *rsa.PrivateKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeKID, d.signing[d.activeKID]
}

// Rotate makes key the active signing key under kid. Earlier keys stay published so
// envelopes already in flight still verify at the receiver.
func (d *Directory) Rotate(kid string, key *rsa.PrivateKey) error {
	kid = strings.TrimSpace(kid)
	if kid == "" || key == nil {
		return errors.New("keydir: kid and key are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.published[kid]; ok && !existing.Equal(&key.PublicKey) {
		return fmt.Errorf("keydir: kid %q already published with different key material", kid)
	}
	d.signing[kid] = key
	d.published[kid] = &key.PublicKey
	d.activeKID = kid
	return nil
}

// Retire stops publishing kid. The active key cannot be retired.
func (d *Directory) Retire(kid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kid == d.activeKID {
		return fmt.Errorf("keydir: cannot retire active key %q", kid)
	}
	delete(d.signing, kid)
	delete(d.published, kid)
	return nil
}

// OwnKeySet returns the published key-set document, ordered by kid.
func (d *Directory) OwnKeySet() KeySet {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kids := make([]string, 0, len(d.published))
	for kid := range d.published {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := KeySet{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		set.Keys = append(set.Keys, NewJWK(kid, d.published[kid]))
	}
	return set
}

func keyCacheKey(prefix, kid string) string {
	return "keys:" + prefix + ":" + kid
}

// ResolveRemotePublicKey returns the verification key published by bank prefix under kid.
func (d *Directory) ResolveRemotePublicKey(ctx context.Context, prefix, kid string) (*rsa.PublicKey, error) {
	remote, err := d.Resolve(ctx, prefix, kid)
	if err != nil {
		return nil, err
	}
	return remote.Key, nil
}

// Resolve serves a fresh cached key when available, otherwise looks the bank up in the
// directory, downloads its key set and caches the selected entry.
func (d *Directory) Resolve(ctx context.Context, prefix, kid string) (RemoteKey, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	kid = strings.TrimSpace(kid)
	if prefix == "" || kid == "" {
		return RemoteKey{}, fmt.Errorf("%w: prefix and kid are required", ErrKeyNotFound)
	}

	if remote, ok := d.fromCache(ctx, prefix, kid); ok {
		return remote, nil
	}

	if d.resolver == nil {
		return RemoteKey{}, fmt.Errorf("%w: no directory configured", ErrDirectoryUnavailable)
	}

	bank, err := d.resolver.LookupBank(ctx, prefix)
	if err != nil {
		return RemoteKey{}, err
	}
	if strings.TrimSpace(bank.JWKSURL) == "" {
		return RemoteKey{}, fmt.Errorf("%w: bank %s publishes no key-set url", ErrKeyNotFound, prefix)
	}

	raw, err := d.resolver.FetchKeySet(ctx, bank.JWKSURL)
	if err != nil {
		return RemoteKey{}, fmt.Errorf("%w: fetch key set for %s: %v", ErrDirectoryUnavailable, prefix, err)
	}
	set, err := ParseKeySet(raw)
	if err != nil {
		return RemoteKey{}, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	jwk, ok := set.Find(kid)
	if !ok {
		return RemoteKey{}, fmt.Errorf("%w: bank %s has no key %q", ErrKeyNotFound, prefix, kid)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return RemoteKey{}, fmt.Errorf("%w: bank %s key %q: %v", ErrKeyNotFound, prefix, kid, err)
	}

	fetchedAt := d.now()
	if payload, err := json.Marshal(cachedKey{JWK: jwk, FetchedAt: fetchedAt}); err == nil {
		if err := d.cache.Set(ctx, keyCacheKey(prefix, kid), payload, d.cacheTTL); err != nil {
			d.logger.Warn("failed to cache remote key", "component", "keydir", "prefix", prefix, "kid", kid, "err", err)
		}
	}
	return RemoteKey{Key: pub, FetchedAt: fetchedAt}, nil
}

func (d *Directory) fromCache(ctx context.Context, prefix, kid string) (RemoteKey, bool) {
	raw, ok, err := d.cache.Get(ctx, keyCacheKey(prefix, kid))
	if err != nil {
		d.logger.Warn("remote key cache read failed", "component", "keydir", "prefix", prefix, "kid", kid, "err", err)
		return RemoteKey{}, false
	}
	if !ok {
		return RemoteKey{}, false
	}

	var entry cachedKey
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = d.cache.Delete(ctx, keyCacheKey(prefix, kid))
		return RemoteKey{}, false
	}
	pub, err := entry.JWK.PublicKey()
	if err != nil {
		_ = d.cache.Delete(ctx, keyCacheKey(prefix, kid))
		return RemoteKey{}, false
	}
	return RemoteKey{Key: pub, FetchedAt: entry.FetchedAt, Cached: true}, true
}

// Invalidate drops the cached key so the next resolve re-fetches it.
func (d *Directory) Invalidate(ctx context.Context, prefix, kid string) error {
	return d.cache.Delete(ctx, keyCacheKey(strings.ToUpper(strings.TrimSpace(prefix)), strings.TrimSpace(kid)))
}
