package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TheMichaelB/weavesync/internal/config"
	"github.com/TheMichaelB/weavesync/internal/crypto"
	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/keyring"
	"github.com/TheMichaelB/weavesync/internal/ledger"
	"github.com/TheMichaelB/weavesync/internal/models"
	wsync "github.com/TheMichaelB/weavesync/internal/services/sync"
	"github.com/TheMichaelB/weavesync/internal/services/weave"
	"github.com/TheMichaelB/weavesync/internal/transport"
)

// Stage names reported by Login, in order.
const (
	StageCluster    = "cluster"
	StagePublicKey  = keyring.StagePublicKey
	StagePrivateKey = keyring.StagePrivateKey
	StageUnlocked   = "unlocked"
)

// Client wires one account session: transport, remote client, keyring,
// ledger and sync coordinator.
type Client struct {
	Remote *weave.Client
	Ledger *ledger.Ledger
	Sync   *wsync.Coordinator

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	provider  crypto.Provider

	mu      sync.RWMutex
	keyring *keyring.Keyring
}

// New creates a client and opens the ledger.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	return NewWithTransport(ctx, cfg, transport.NewHTTPClient(&cfg.Service, logger), logger)
}

// NewWithTransport creates a client over an existing transport.
func NewWithTransport(ctx context.Context, cfg *config.Config, t transport.Transport, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	remote := weave.New(t, weave.Options{
		ServiceURL: cfg.Service.URL,
		Version:    cfg.Service.Version,
		Username:   cfg.Account.Username,
		Password:   cfg.Account.Password,
		Cluster:    cfg.Service.Cluster,
	}, logger)

	l, err := ledger.Open(ctx, cfg.Storage.DatabasePath(), ledger.Options{StrictSchema: cfg.Sync.StrictSchema}, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	c := &Client{
		Remote:    remote,
		Ledger:    l,
		config:    cfg,
		logger:    logger.WithField("component", "client"),
		transport: t,
		provider:  crypto.NewProvider(),
	}

	c.Sync = wsync.NewCoordinator(remote, c, l, wsync.Options{
		Collections:   cfg.Sync.Collections,
		ChunkSize:     cfg.Sync.ChunkSize,
		MaxHistory:    cfg.Sync.MaxHistory,
		RetryAttempts: cfg.Sync.RetryAttempts,
		RetryDelay:    cfg.Sync.RetryDelay,
	}, logger)

	return c, nil
}

// EnsureCluster discovers the storage node unless one is already known.
func (c *Client) EnsureCluster(ctx context.Context) (string, error) {
	if cluster := c.Remote.Cluster(); cluster != "" {
		return cluster, nil
	}
	return c.Remote.FindCluster(ctx)
}

// Login discovers the storage node and unlocks the account's private key
// with passphrase. progress, if not nil, is called as each stage completes.
func (c *Client) Login(ctx context.Context, passphrase string, progress func(stage string)) error {
	report := func(stage string) {
		if progress != nil {
			progress(stage)
		}
	}

	cluster, err := c.EnsureCluster(ctx)
	if err != nil {
		return fmt.Errorf("find cluster: %w", err)
	}
	report(StageCluster)
	c.logger.WithField("cluster", cluster).Debug("Using storage node")

	pub, priv, err := c.Remote.KeyURLs()
	if err != nil {
		return err
	}

	ring := keyring.New(c.Remote, c.provider, keyring.Options{
		PubKeyURL:  pub,
		PrivKeyURL: priv,
		Cleanup:    c.cleanupMode(),
		Progress:   report,
	}, c.logger)

	if err := ring.Unlock(ctx, passphrase); err != nil {
		return err
	}

	c.mu.Lock()
	c.keyring = ring
	c.mu.Unlock()

	report(StageUnlocked)
	c.logger.WithField("user", c.config.Account.Username).Info("Keyring unlocked")
	return nil
}

// Unlocked reports whether Login succeeded.
func (c *Client) Unlocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyring != nil && c.keyring.State() == keyring.Unlocked
}

// Keyring returns the unlocked keyring, or nil before Login.
func (c *Client) Keyring() *keyring.Keyring {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyring
}

// DecryptRecord lets the coordinator decrypt through whichever keyring the
// last Login produced.
func (c *Client) DecryptRecord(ctx context.Context, kind models.Kind, env *models.Envelope) (models.Decryptable, error) {
	ring := c.Keyring()
	if ring == nil {
		return nil, models.ErrLocked
	}
	return ring.DecryptRecord(ctx, kind, env)
}

// Logout forgets all key material.
func (c *Client) Logout() {
	c.mu.Lock()
	ring := c.keyring
	c.keyring = nil
	c.mu.Unlock()

	if ring != nil {
		ring.Reset()
	}
}

// Close stops any running sync, waits for its current step to finish,
// then releases the ledger and transport.
func (c *Client) Close() error {
	c.Sync.Stop()
	_ = c.Sync.Wait(context.Background())
	c.Logout()
	return errors.Join(c.Ledger.Close(), c.transport.Close())
}

func (c *Client) cleanupMode() crypto.CleanupMode {
	if c.config.Sync.StrictASCII {
		return crypto.CleanupPrintable
	}
	return crypto.CleanupUTF8
}
