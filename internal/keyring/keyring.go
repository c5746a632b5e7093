// Package keyring holds the account's key material: the public key, the
// passphrase-protected private key and the symmetric keys it unwraps.
package keyring

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/weavesync/internal/chain"
	"github.com/TheMichaelB/weavesync/internal/crypto"
	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/models"
)

// State of the private key.
type State int32

const (
	Locked State = iota
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Fetcher loads a single record by absolute URL.
type Fetcher interface {
	FetchRecord(ctx context.Context, url string) (*models.Envelope, error)
}

// Options configures a keyring.
type Options struct {
	// PubKeyURL identifies this account in symmetric key records. When
	// empty it is taken from the private key record.
	PubKeyURL  string
	PrivKeyURL string

	Cleanup crypto.CleanupMode

	// Progress, if set, is called with StagePublicKey and StagePrivateKey
	// as the key records arrive during Unlock.
	Progress func(stage string)
}

// Unlock stages passed to Options.Progress.
const (
	StagePublicKey  = "public_key"
	StagePrivateKey = "private_key"
)

// SymmetricKey is an unwrapped bulk key and the IV shared by the records
// it protects.
type SymmetricKey struct {
	URL string
	Key []byte
	IV  []byte
}

// Stats counts work done by the keyring since the last Reset.
type Stats struct {
	KeyFetches int64 `json:"key_fetches"`
	Unwraps    int64 `json:"unwraps"`
	Decrypted  int64 `json:"decrypted"`
	CachedKeys int   `json:"cached_keys"`
}

// Keyring unlocks the private key and resolves symmetric keys. Resolved
// keys are cached by URL until Reset.
type Keyring struct {
	fetcher  Fetcher
	provider crypto.Provider
	opts     Options
	logger   *events.Logger

	mu      sync.RWMutex
	state   State
	pubURL  string
	pub     *rsa.PublicKey
	privEnv *models.Envelope
	priv    *rsa.PrivateKey
	symkeys map[string]*SymmetricKey

	group singleflight.Group

	fetches   atomic.Int64
	unwraps   atomic.Int64
	decrypted atomic.Int64
}

// New creates a locked keyring.
func New(fetcher Fetcher, provider crypto.Provider, opts Options, logger *events.Logger) *Keyring {
	return &Keyring{
		fetcher:  fetcher,
		provider: provider,
		opts:     opts,
		logger:   logger.WithField("component", "keyring"),
		pubURL:   opts.PubKeyURL,
		symkeys:  make(map[string]*SymmetricKey),
	}
}

// State returns the current lock state.
func (k *Keyring) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// PublicKeyURL returns the identity used to find wrapped keys.
func (k *Keyring) PublicKeyURL() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pubURL
}

// Unlock decrypts the private key with passphrase. A passphrase that does
// not produce a well formed key fails with models.ErrIncorrectPassphrase
// and leaves the keyring locked, ready for another attempt.
func (k *Keyring) Unlock(ctx context.Context, passphrase string) error {
	k.mu.Lock()
	switch k.state {
	case Unlocked:
		k.mu.Unlock()
		return nil
	case Unlocking:
		k.mu.Unlock()
		return models.ErrUnlockInProgress
	}
	k.state = Unlocking
	k.mu.Unlock()

	// The key is derived from the passphrase bytes exactly as typed.
	secret := []byte(passphrase)

	results, err := chain.Run(ctx,
		k.loadPublicKey(ctx),
		k.loadPrivateKey(ctx),
		k.decodePrivateKey,
		k.derivePrivateKey(ctx, secret),
		k.matchPublicKey,
	)

	k.mu.Lock()
	defer k.mu.Unlock()

	if err != nil {
		k.state = Locked
		k.logger.WithError(err).Warn("Unlock failed")
		return err
	}

	k.priv = results[0].(*rsa.PrivateKey)
	k.state = Unlocked
	k.logger.WithField("pubkey", k.pubURL).Info("Keyring unlocked")
	return nil
}

// loadPublicKey fetches the public key record when its URL is known.
func (k *Keyring) loadPublicKey(ctx context.Context) chain.Step {
	return func(c *chain.Chain, _ ...interface{}) {
		k.mu.RLock()
		url, loaded := k.pubURL, k.pub != nil
		k.mu.RUnlock()

		if url == "" || loaded {
			c.Advance()
			return
		}

		go func() {
			env, err := k.fetcher.FetchRecord(ctx, url)
			if err != nil {
				c.Fail(fmt.Errorf("fetch public key: %w", err))
				return
			}
			k.fetches.Add(1)

			var payload models.PublicKeyPayload
			if err := env.DecodePayload(&payload); err != nil {
				c.Fail(err)
				return
			}
			der, err := models.DecodeBase64(env.ID, "keyData", payload.KeyData)
			if err != nil {
				c.Fail(err)
				return
			}
			parsed, err := x509.ParsePKIXPublicKey(der)
			if err != nil {
				c.Fail(&models.MalformedEnvelopeError{ID: env.ID, Reason: "public key", Err: err})
				return
			}
			pub, ok := parsed.(*rsa.PublicKey)
			if !ok {
				c.Fail(&models.MalformedEnvelopeError{ID: env.ID, Reason: "public key is not RSA"})
				return
			}

			k.mu.Lock()
			k.pub = pub
			k.mu.Unlock()
			k.report(StagePublicKey)
			c.Advance()
		}()
	}
}

// loadPrivateKey fetches the encrypted private key record once.
func (k *Keyring) loadPrivateKey(ctx context.Context) chain.Step {
	return func(c *chain.Chain, _ ...interface{}) {
		k.mu.RLock()
		cached := k.privEnv
		k.mu.RUnlock()

		if cached != nil {
			c.Advance(cached)
			return
		}
		if k.opts.PrivKeyURL == "" {
			c.Fail(errors.New("private key url is not set"))
			return
		}

		go func() {
			env, err := k.fetcher.FetchRecord(ctx, k.opts.PrivKeyURL)
			if err != nil {
				c.Fail(fmt.Errorf("fetch private key: %w", err))
				return
			}
			k.fetches.Add(1)

			k.mu.Lock()
			k.privEnv = env
			k.mu.Unlock()
			k.report(StagePrivateKey)
			c.Advance(env)
		}()
	}
}

func (k *Keyring) report(stage string) {
	if k.opts.Progress != nil {
		k.opts.Progress(stage)
	}
}

type encryptedKey struct {
	salt, iv, data []byte
}

func (k *Keyring) decodePrivateKey(c *chain.Chain, args ...interface{}) {
	env := args[0].(*models.Envelope)

	var payload models.PrivateKeyPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.Fail(err)
		return
	}

	var (
		key encryptedKey
		err error
	)
	if key.salt, err = models.DecodeBase64(env.ID, "salt", payload.Salt); err != nil {
		c.Fail(err)
		return
	}
	if key.iv, err = models.DecodeBase64(env.ID, "iv", payload.IV); err != nil {
		c.Fail(err)
		return
	}
	if key.data, err = models.DecodeBase64(env.ID, "keyData", payload.KeyData); err != nil {
		c.Fail(err)
		return
	}

	k.mu.Lock()
	if k.pubURL == "" {
		k.pubURL = payload.PublicKey
	}
	k.mu.Unlock()

	c.Advance(key)
}

// derivePrivateKey runs the key derivation off the caller's goroutine.
func (k *Keyring) derivePrivateKey(ctx context.Context, secret []byte) chain.Step {
	return func(c *chain.Chain, args ...interface{}) {
		key := args[0].(encryptedKey)

		go func() {
			priv, err := crypto.UnwrapPrivateKey(ctx, k.provider, secret, key.salt, key.iv, key.data)
			var malformed *crypto.MalformedKeyError
			switch {
			case errors.As(err, &malformed):
				c.Fail(fmt.Errorf("%w: %v", models.ErrIncorrectPassphrase, err))
			case err != nil:
				c.Fail(err)
			default:
				c.Advance(priv)
			}
		}()
	}
}

func (k *Keyring) matchPublicKey(c *chain.Chain, args ...interface{}) {
	priv := args[0].(*rsa.PrivateKey)

	k.mu.RLock()
	pub := k.pub
	k.mu.RUnlock()

	if pub != nil && !pub.Equal(&priv.PublicKey) {
		c.Fail(fmt.Errorf("%w: private key does not match public key", models.ErrIncorrectPassphrase))
		return
	}
	c.Advance(priv)
}

// ResolveSymmetricKey returns the symmetric key stored at url, fetching
// and unwrapping it on first use. Concurrent calls for the same url share
// one fetch, which outlives any single caller's context; each caller
// stops waiting when its own ctx is done.
func (k *Keyring) ResolveSymmetricKey(ctx context.Context, url string) (*SymmetricKey, error) {
	k.mu.RLock()
	state, cached := k.state, k.symkeys[url]
	k.mu.RUnlock()

	if cached != nil {
		return cached, nil
	}
	if state != Unlocked {
		return nil, models.ErrLocked
	}

	fetchCtx := context.WithoutCancel(ctx)
	done := k.group.DoChan(url, func() (interface{}, error) {
		k.mu.RLock()
		cached := k.symkeys[url]
		k.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		return k.fetchSymmetricKey(fetchCtx, url)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			k.logger.WithField("url", url).Debug("Shared symmetric key resolution")
		}
		return res.Val.(*SymmetricKey), nil
	}
}

func (k *Keyring) fetchSymmetricKey(ctx context.Context, url string) (*SymmetricKey, error) {
	env, err := k.fetcher.FetchRecord(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch symmetric key: %w", err)
	}
	k.fetches.Add(1)

	var payload models.SymmetricKeyPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}

	k.mu.RLock()
	pubURL, priv := k.pubURL, k.priv
	k.mu.RUnlock()
	if priv == nil {
		return nil, models.ErrLocked
	}

	wrapped, ok := payload.Keyring[pubURL]
	if !ok {
		return nil, &models.MalformedEnvelopeError{ID: url, Reason: fmt.Sprintf("no key wrapped for %s", pubURL)}
	}
	wrappedKey, err := models.DecodeBase64(url, "keyring", wrapped)
	if err != nil {
		return nil, err
	}
	iv, err := models.DecodeBase64(url, "bulkIV", payload.BulkIV)
	if err != nil {
		return nil, err
	}

	key, err := crypto.UnwrapSymmetricKey(k.provider, priv, wrappedKey)
	if err != nil {
		return nil, &models.MalformedEnvelopeError{ID: url, Reason: "unwrap", Err: err}
	}
	k.unwraps.Add(1)

	sym := &SymmetricKey{URL: url, Key: key, IV: iv}

	k.mu.Lock()
	k.symkeys[url] = sym
	k.mu.Unlock()

	k.logger.WithField("url", url).Debug("Cached symmetric key")
	return sym, nil
}

// DecryptEnvelope returns the cleartext JSON of env. An envelope without
// a payload yields nil.
func (k *Keyring) DecryptEnvelope(ctx context.Context, env *models.Envelope) (json.RawMessage, error) {
	if !env.HasPayload() {
		return nil, nil
	}

	var payload models.RecordPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.Encryption == "" {
		return nil, &models.MalformedEnvelopeError{ID: env.ID, Reason: "missing encryption"}
	}

	ciphertext, err := models.DecodeBase64(env.ID, "ciphertext", payload.Ciphertext)
	if err != nil {
		return nil, err
	}

	key, err := k.ResolveSymmetricKey(ctx, payload.Encryption)
	if err != nil {
		return nil, err
	}

	plain, err := crypto.DecryptPayload(k.provider, key.Key, key.IV, ciphertext, k.opts.Cleanup)
	if err != nil {
		return nil, &models.MalformedEnvelopeError{ID: env.ID, Reason: "decrypt", Err: err}
	}
	if !json.Valid(plain) {
		return nil, &models.MalformedEnvelopeError{ID: env.ID, Reason: "cleartext is not json"}
	}

	k.decrypted.Add(1)
	return plain, nil
}

// DecryptRecord decrypts env into the record type for kind.
func (k *Keyring) DecryptRecord(ctx context.Context, kind models.Kind, env *models.Envelope) (models.Decryptable, error) {
	record, err := models.NewRecord(kind, env)
	if err != nil {
		return nil, err
	}

	cleartext, err := k.DecryptEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}
	if cleartext == nil {
		return record, nil
	}

	if err := record.SetCleartext(cleartext); err != nil {
		return nil, err
	}
	return record, nil
}

// Stats returns counters since the last Reset.
func (k *Keyring) Stats() Stats {
	k.mu.RLock()
	cached := len(k.symkeys)
	k.mu.RUnlock()

	return Stats{
		KeyFetches: k.fetches.Load(),
		Unwraps:    k.unwraps.Load(),
		Decrypted:  k.decrypted.Load(),
		CachedKeys: cached,
	}
}

// Reset forgets all key material and locks the keyring.
func (k *Keyring) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.state = Locked
	k.pubURL = k.opts.PubKeyURL
	k.pub = nil
	k.privEnv = nil
	k.priv = nil
	k.symkeys = make(map[string]*SymmetricKey)

	k.fetches.Store(0)
	k.unwraps.Store(0)
	k.decrypted.Store(0)
}
