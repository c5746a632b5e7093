// Package weave talks to the encrypted record storage service.
package weave

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/models"
	"github.com/TheMichaelB/weavesync/internal/transport"
)

// Options configures the storage client.
type Options struct {
	ServiceURL string
	Version    string
	Username   string
	Password   string

	// Cluster skips discovery when set.
	Cluster string
}

// ListOptions filters a collection listing.
type ListOptions struct {
	Sort  string   // "index", "newest" or "oldest"
	Newer *float64 // only records modified after this timestamp (seconds)
	Limit int
	IDs   []string
	Full  bool
}

// Client fetches records from the storage service. It never retries.
type Client struct {
	transport transport.Transport
	opts      Options
	logger    *events.Logger

	mu      sync.RWMutex
	cluster string
}

// New creates a storage client.
func New(t transport.Transport, opts Options, logger *events.Logger) *Client {
	if opts.Version == "" {
		opts.Version = "1.0"
	}
	opts.ServiceURL = strings.TrimRight(opts.ServiceURL, "/")

	c := &Client{
		transport: t,
		opts:      opts,
		logger:    logger.WithField("service", "weave"),
	}
	if opts.Cluster != "" {
		c.SetCluster(opts.Cluster)
	}
	return c
}

// Username returns the account name.
func (c *Client) Username() string {
	return c.opts.Username
}

// FindCluster asks the service which storage node holds the account.
func (c *Client) FindCluster(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/user/1/%s/node/weave", c.opts.ServiceURL, url.PathEscape(c.opts.Username))

	resp, err := c.transport.Get(ctx, u, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", remoteError(u, resp)
	}

	cluster := strings.TrimSpace(string(resp.Body))
	cluster = strings.Trim(cluster, `"`)
	if cluster == "" || cluster == "null" {
		return "", models.ErrNoCluster
	}
	if _, err := url.ParseRequestURI(cluster); err != nil {
		return "", &models.RemoteError{StatusCode: resp.StatusCode, URL: u, Message: "invalid cluster url", Err: err}
	}

	c.SetCluster(cluster)
	c.logger.WithField("cluster", c.Cluster()).Info("Found storage cluster")

	return c.Cluster(), nil
}

// SetCluster sets the storage node base URL.
func (c *Client) SetCluster(cluster string) {
	if !strings.HasSuffix(cluster, "/") {
		cluster += "/"
	}
	c.mu.Lock()
	c.cluster = cluster
	c.mu.Unlock()
}

// Cluster returns the storage node base URL, with a trailing slash.
func (c *Client) Cluster() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cluster
}

// userURL returns {cluster}{version}/{user}.
func (c *Client) userURL() (string, error) {
	cluster := c.Cluster()
	if cluster == "" {
		return "", models.ErrNoCluster
	}
	return cluster + c.opts.Version + "/" + url.PathEscape(c.opts.Username), nil
}

// CollectionURL returns the storage URL of a collection.
func (c *Client) CollectionURL(collection string) (string, error) {
	base, err := c.userURL()
	if err != nil {
		return "", err
	}
	return base + "/storage/" + url.PathEscape(collection), nil
}

// RecordURL returns the storage URL of one record.
func (c *Client) RecordURL(collection, id string) (string, error) {
	base, err := c.CollectionURL(collection)
	if err != nil {
		return "", err
	}
	return base + "/" + url.PathEscape(id), nil
}

// KeyURLs returns the URLs of the account's public and private keys.
func (c *Client) KeyURLs() (pubkey, privkey string, err error) {
	base, err := c.userURL()
	if err != nil {
		return "", "", err
	}
	return base + "/storage/keys/pubkey", base + "/storage/keys/privkey", nil
}

// CollectionTimestamps returns each collection's last-modified time in
// seconds.
func (c *Client) CollectionTimestamps(ctx context.Context) (map[string]float64, error) {
	base, err := c.userURL()
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64)
	if err := c.getJSON(ctx, base+"/info/collections", &result); err != nil {
		return nil, fmt.Errorf("collection timestamps: %w", err)
	}
	return result, nil
}

// CollectionCounts returns the number of records in each collection.
func (c *Client) CollectionCounts(ctx context.Context) (map[string]int, error) {
	base, err := c.userURL()
	if err != nil {
		return nil, err
	}

	result := make(map[string]int)
	if err := c.getJSON(ctx, base+"/info/collection_counts", &result); err != nil {
		return nil, fmt.Errorf("collection counts: %w", err)
	}
	return result, nil
}

// ListIDs lists record ids in a collection. A body that is not an array
// yields an empty list.
func (c *Client) ListIDs(ctx context.Context, collection string, opts ListOptions) ([]string, error) {
	opts.Full = false
	items, err := c.list(ctx, collection, opts)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err != nil {
			c.logger.WithField("item", string(item)).Warn("Skipping non-string id")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FetchFull fetches complete envelopes for ids in one request. Items that
// cannot be parsed are logged and dropped.
func (c *Client) FetchFull(ctx context.Context, collection string, ids []string) ([]*models.Envelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := c.list(ctx, collection, ListOptions{IDs: ids, Full: true})
	if err != nil {
		return nil, err
	}

	base, _ := c.CollectionURL(collection)
	envelopes := make([]*models.Envelope, 0, len(items))
	for _, item := range items {
		env := &models.Envelope{}
		if err := json.Unmarshal(item, env); err != nil || env.ID == "" {
			c.logger.WithError(err).WithField("collection", collection).Warn("Skipping malformed envelope")
			continue
		}
		env.Collection = collection
		env.URL = base + "/" + url.PathEscape(env.ID)
		envelopes = append(envelopes, env)
	}

	c.logger.WithFields(map[string]interface{}{
		"collection": collection,
		"requested":  len(ids),
		"received":   len(envelopes),
	}).Debug("Fetched records")

	return envelopes, nil
}

// Fetch fetches a single record.
func (c *Client) Fetch(ctx context.Context, collection, id string) (*models.Envelope, error) {
	u, err := c.RecordURL(collection, id)
	if err != nil {
		return nil, err
	}
	env, err := c.FetchRecord(ctx, u)
	if err != nil {
		return nil, err
	}
	env.Collection = collection
	return env, nil
}

// FetchRecord fetches the envelope stored at an absolute URL.
func (c *Client) FetchRecord(ctx context.Context, recordURL string) (*models.Envelope, error) {
	env := &models.Envelope{}
	if err := c.getJSON(ctx, recordURL, env); err != nil {
		return nil, err
	}
	if env.ID == "" {
		return nil, &models.MalformedEnvelopeError{ID: recordURL, Reason: "missing id"}
	}
	env.URL = recordURL
	return env, nil
}

func (c *Client) list(ctx context.Context, collection string, opts ListOptions) ([]json.RawMessage, error) {
	base, err := c.CollectionURL(collection)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	if opts.Sort != "" {
		params.Set("sort", opts.Sort)
	}
	if opts.Newer != nil {
		params.Set("newer", strconv.FormatFloat(*opts.Newer, 'f', -1, 64))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if len(opts.IDs) > 0 {
		params.Set("ids", strings.Join(opts.IDs, ","))
	}
	if opts.Full {
		params.Set("full", "1")
	}

	u := base
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var raw json.RawMessage
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	var items []json.RawMessage
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		c.logger.WithField("collection", collection).Warn("Listing is not an array, treating as empty")
		return nil, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &models.RemoteError{StatusCode: http.StatusOK, URL: u, Message: "invalid listing", Err: err}
	}
	return items, nil
}

// getJSON performs an authenticated GET and decodes the body into v.
func (c *Client) getJSON(ctx context.Context, u string, v interface{}) error {
	header := http.Header{}
	header.Set("Authorization", c.authorization())

	c.logger.WithField("url", u).Debug("GET")

	resp, err := c.transport.Get(ctx, u, header)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return remoteError(u, resp)
	}

	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &models.RemoteError{StatusCode: resp.StatusCode, URL: u, Message: "invalid json", Err: err}
	}
	return nil
}

func (c *Client) authorization() string {
	creds := c.opts.Username + ":" + c.opts.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func remoteError(u string, resp *transport.Response) error {
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &models.RemoteError{StatusCode: resp.StatusCode, URL: u, Message: msg}
}
