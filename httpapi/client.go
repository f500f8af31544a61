package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/adeilh/livecache"
)

// Client talks to a remote httpapi.Server, translating HTTP statuses back
// into the cache's typed errors so remote and local callers handle failures
// the same way.
type Client struct {
	resty *resty.Client
}

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// NewClient builds a client for the server at opts.BaseURL.
func NewClient(opts ClientOptions) *Client {
	cfg := opts.withDefaults()
	rc := resty.New()
	if cfg.BaseURL != "" {
		rc.SetBaseURL(cfg.BaseURL)
	}
	rc.SetTimeout(cfg.Timeout)
	if len(cfg.Headers) > 0 {
		rc.SetHeaders(cfg.Headers)
	}
	return &Client{resty: rc}
}

func keyPath(bucket, key string) string {
	return fmt.Sprintf("/v1/buckets/%s/keys/%s", bucket, key)
}

// Get reads bucket/key from the remote cache.
func (c *Client) Get(ctx context.Context, bucket, key string) (livecache.Value, error) {
	resp, err := c.resty.R().SetContext(ctx).Get(keyPath(bucket, key))
	if err != nil {
		return livecache.Value{}, err
	}
	if err := statusError(resp); err != nil {
		return livecache.Value{}, err
	}
	found := resp.Header().Get(BucketHeader)
	if found == "" {
		found = bucket
	}
	return livecache.Value{
		Data:   resp.Body(),
		Bucket: found,
		Rehome: found != bucket,
	}, nil
}

// Set stores value under bucket/key with the given TTL; zero means the
// server's default.
func (c *Client) Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	req := c.resty.R().SetContext(ctx).SetBody(value)
	if ttl != 0 {
		req.SetQueryParam("ttl", ttl.String())
	}
	resp, err := req.Put(keyPath(bucket, key))
	if err != nil {
		return err
	}
	return statusError(resp)
}

// Delete removes bucket/key.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	resp, err := c.resty.R().SetContext(ctx).Delete(keyPath(bucket, key))
	if err != nil {
		return err
	}
	return statusError(resp)
}

// Touch replaces the TTL of bucket/key.
func (c *Client) Touch(ctx context.Context, bucket, key string, ttl time.Duration) error {
	req := c.resty.R().SetContext(ctx)
	if ttl != 0 {
		req.SetQueryParam("ttl", ttl.String())
	}
	resp, err := req.Post(keyPath(bucket, key) + "/touch")
	if err != nil {
		return err
	}
	return statusError(resp)
}

// Keys lists the live keys of a bucket.
func (c *Client) Keys(ctx context.Context, bucket string) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	resp, err := c.resty.R().SetContext(ctx).SetResult(&out).
		Get(fmt.Sprintf("/v1/buckets/%s/keys", bucket))
	if err != nil {
		return nil, err
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// Lock acquires the advisory lock for key on the remote cache, waiting up to
// timeout. Zero tries exactly once.
func (c *Client) Lock(ctx context.Context, key string, timeout time.Duration) error {
	req := c.resty.R().SetContext(ctx)
	if timeout != 0 {
		req.SetQueryParam("timeout", timeout.String())
	}
	resp, err := req.Post("/v1/locks/" + key)
	if err != nil {
		return err
	}
	return statusError(resp)
}

// Unlock releases the advisory lock for key.
func (c *Client) Unlock(ctx context.Context, key string) error {
	resp, err := c.resty.R().SetContext(ctx).Delete("/v1/locks/" + key)
	if err != nil {
		return err
	}
	return statusError(resp)
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := c.resty.R().SetContext(ctx).Get("/healthz")
	return err == nil && resp.StatusCode() == http.StatusOK
}

func statusError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return livecache.ErrNotFound
	case http.StatusConflict:
		return livecache.ErrCapacity
	case http.StatusGatewayTimeout:
		return livecache.ErrSandboxTimeout
	case http.StatusBadGateway:
		return livecache.ErrBackend
	case http.StatusLocked:
		return livecache.ErrLockTimeout
	case http.StatusServiceUnavailable:
		return livecache.ErrStopped
	default:
		return fmt.Errorf("httpapi: %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}
