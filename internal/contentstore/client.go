package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/multiformats/go-multibase"
)

const (
	DefaultAPIAddr       = "/ip4/127.0.0.1/tcp/5001"
	DefaultTimeout       = 30 * time.Second
	DefaultCacheCapacity = 1000

	nameResolveDHTTimeout = "10s"
	maxErrorBody          = 4 << 10
)

type Config struct {
	// APIAddr is the multiaddr of the RPC endpoint, or a plain http(s) URL.
	APIAddr       string        `yaml:"apiAddr"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheCapacity int           `yaml:"cacheCapacity"`
	HTTPClient    *http.Client  `yaml:"-"`
	Logger        *slog.Logger  `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		APIAddr:       DefaultAPIAddr,
		Timeout:       DefaultTimeout,
		CacheCapacity: DefaultCacheCapacity,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.APIAddr) == "" {
		cfg.APIAddr = def.APIAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = def.CacheCapacity
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Client implements Store over the Kubo HTTP RPC API.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger

	// lru is used as a plain bounded map: at capacity the whole cache is purged.
	cacheMu  sync.Mutex
	cache    *lru.Cache[string, []byte]
	capacity int
}

var _ Store = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	cfg = normalizeConfig(cfg)
	base, err := apiBaseURL(cfg.APIAddr)
	if err != nil {
		return nil, err
	}
	// One spare slot keeps the lru from evicting before the explicit purge.
	cache, err := lru.New[string, []byte](cfg.CacheCapacity + 1)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:     base,
		http:     cfg.HTTPClient,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		cache:    cache,
		capacity: cfg.CacheCapacity,
	}, nil
}

// apiBaseURL accepts "/ip4/127.0.0.1/tcp/5001" style multiaddrs as well as
// explicit http(s) URLs.
func apiBaseURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/api/v0", nil
	}
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse api multiaddr: %w", err)
	}
	_, host, err := manet.DialArgs(maddr)
	if err != nil {
		return "", fmt.Errorf("api multiaddr dial args: %w", err)
	}
	return "http://" + host + "/api/v0", nil
}

func (c *Client) AddBlob(ctx context.Context, data []byte) (string, error) {
	var out struct {
		Hash string `json:"Hash"`
	}
	if err := c.postFile(ctx, "add", url.Values{"cid-version": {"1"}}, data, &out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", Unavailable("add", fmt.Errorf("empty hash in response"))
	}
	return out.Hash, nil
}

func (c *Client) GetBlob(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := c.call(ctx, "cat", url.Values{"arg": {id}}, nil, "", &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) DagPut(ctx context.Context, obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode dag object: %w", err)
	}
	var out struct {
		Cid struct {
			Link string `json:"/"`
		} `json:"Cid"`
	}
	q := url.Values{"store-codec": {"dag-json"}, "input-codec": {"dag-json"}}
	if err := c.postFile(ctx, "dag/put", q, raw, &out); err != nil {
		return "", err
	}
	if out.Cid.Link == "" {
		return "", Unavailable("dag/put", fmt.Errorf("empty cid in response"))
	}
	return out.Cid.Link, nil
}

// DagGet returns the JSON form of a DAG object. Successful reads are cached;
// failures are not.
func (c *Client) DagGet(ctx context.Context, id string) (json.RawMessage, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if cached, ok := c.cacheGet(id); ok {
		return cached, nil
	}
	var buf bytes.Buffer
	if err := c.call(ctx, "dag/get", url.Values{"arg": {id}}, nil, "", &buf); err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(buf.Bytes())
	if !json.Valid(raw) {
		return nil, Unavailable("dag/get", fmt.Errorf("response is not json"))
	}
	c.cachePut(id, raw)
	return append(json.RawMessage(nil), raw...), nil
}

func (c *Client) cacheGet(id string) (json.RawMessage, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

func (c *Client) cachePut(id string, raw []byte) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cache.Len() >= c.capacity {
		c.cache.Purge()
	}
	c.cache.Add(id, append([]byte(nil), raw...))
}

// CacheLen reports the number of cached DAG objects.
func (c *Client) CacheLen() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.cache.Len()
}

func (c *Client) NamePublish(ctx context.Context, id string) (string, error) {
	var out struct {
		Name string `json:"Name"`
	}
	if err := c.callJSON(ctx, "name/publish", url.Values{"arg": {id}}, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// NameResolve returns the bare id a published name points to.
func (c *Client) NameResolve(ctx context.Context, name string) (string, error) {
	var out struct {
		Path string `json:"Path"`
	}
	q := url.Values{"arg": {name}, "dht-timeout": {nameResolveDHTTimeout}, "stream": {"false"}}
	if err := c.callJSON(ctx, "name/resolve", q, &out); err != nil {
		return "", err
	}
	resolved := StripPathPrefix(out.Path)
	if resolved == "" {
		return "", Unavailable("name/resolve", fmt.Errorf("empty path for %q", name))
	}
	return resolved, nil
}

func (c *Client) Pin(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return c.call(ctx, "pin/add", url.Values{"arg": {id}}, nil, "", io.Discard)
}

// PubsubPublish sends message on topic. The RPC expects the topic as
// multibase base64url.
func (c *Client) PubsubPublish(ctx context.Context, topic string, message []byte) error {
	return c.postFile(ctx, "pubsub/pub", url.Values{"arg": {EncodeTopic(topic)}}, message, nil)
}

// PubsubSubscribe opens the newline-delimited message stream of topic. The
// stream has no deadline; cancel ctx or close the reader to end it.
func (c *Client) PubsubSubscribe(ctx context.Context, topic string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("pubsub/sub", url.Values{"arg": {EncodeTopic(topic)}}), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Unavailable("pubsub/sub", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, Unavailable("pubsub/sub", statusError(resp))
	}
	return resp.Body, nil
}

// EncodeTopic encodes a topic name as multibase base64url ('u' prefix).
func EncodeTopic(topic string) string {
	enc, err := multibase.Encode(multibase.Base64url, []byte(topic))
	if err != nil {
		return topic
	}
	return enc
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.base + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) postFile(ctx context.Context, path string, q url.Values, data []byte, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "file")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	if out == nil {
		return c.call(ctx, path, q, &body, mw.FormDataContentType(), io.Discard)
	}
	var buf bytes.Buffer
	if err := c.call(ctx, path, q, &body, mw.FormDataContentType(), &buf); err != nil {
		return err
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return Unavailable(path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) callJSON(ctx context.Context, path string, q url.Values, out any) error {
	var buf bytes.Buffer
	if err := c.call(ctx, path, q, nil, "", &buf); err != nil {
		return err
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return Unavailable(path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// call performs one bounded RPC and copies the response body into w.
func (c *Client) call(ctx context.Context, path string, q url.Values, body io.Reader, contentType string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("content store call failed",
			"component", "contentstore",
			"operation", path,
			"error", err.Error(),
		)
		return Unavailable(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unavailable(path, statusError(resp))
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return Unavailable(path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var rpcErr struct {
		Message string `json:"Message"`
	}
	if json.Unmarshal(msg, &rpcErr) == nil && rpcErr.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, rpcErr.Message)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
