package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/port"
)

// DefaultProxyPort is used when a relay spec carries no port
const DefaultProxyPort = "1080"

// Ensure Client implements port.Transport
var _ port.Transport = (*Client)(nil)

// Config contains client configuration shared by every worker connection
type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	SkipTLSVerify         bool
	UserAgent             string

	// BandwidthLimit caps each client's download rate in bytes/s; 0 is unlimited
	BandwidthLimit int64

	// BufferSizeKB sets the transport read buffer size (default: 64)
	BufferSizeKB int
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:        15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		UserAgent:             "relayget/1.0",
		BufferSizeKB:          64,
	}
}

// Client is a port.Transport over net/http. Each Client owns its own
// http.Transport, so a worker keeps one dedicated connection to its relay.
type Client struct {
	cfg *Config

	url     string
	cookies string
	rng     string
	proxy   *url.URL

	bucket     *ratelimit.Bucket
	transport  *http.Transport
	httpClient *http.Client

	mu       sync.Mutex
	cancel   context.CancelFunc
	status   int
	fileSize int64
	finalURL string
	meter    meter
}

// New creates a client with a direct connection
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	bufferSize := 64 * 1024
	if cfg.BufferSizeKB > 0 {
		bufferSize = cfg.BufferSizeKB * 1024
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	c := &Client{
		cfg:      cfg,
		fileSize: -1,
	}
	c.transport = &http.Transport{
		Proxy:       c.proxyFunc,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ReadBufferSize:        bufferSize,

		// Byte ranges must be exact, so no transparent gzip
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   0, // No total timeout for downloads
	}
	if cfg.BandwidthLimit > 0 {
		c.bucket = ratelimit.NewBucketWithRate(float64(cfg.BandwidthLimit), cfg.BandwidthLimit)
	}
	return c
}

// NewFactory returns a port.TransportFactory producing clients with cfg
func NewFactory(cfg *Config) port.TransportFactory {
	return func() port.Transport {
		return New(cfg)
	}
}

func (c *Client) proxyFunc(*http.Request) (*url.URL, error) {
	return c.proxy, nil
}

// SetURL sets the target URL
func (c *Client) SetURL(u string) { c.url = u }

// SetCookies sets the Cookie header
func (c *Client) SetCookies(cookies string) { c.cookies = cookies }

// SetRange sets the inclusive byte range as "start-end"
func (c *Client) SetRange(rng string) { c.rng = rng }

// SetProxy binds the client to a relay. An empty spec means direct.
func (c *Client) SetProxy(spec string) error {
	u, err := ParseProxy(spec)
	if err != nil {
		return err
	}
	c.proxy = u
	c.transport.CloseIdleConnections()
	return nil
}

// ParseProxy parses a relay spec of the form [protocol://]host[:port][/].
// The protocol defaults to http and the port to DefaultProxyPort.
func ParseProxy(spec string) (*url.URL, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	spec = strings.TrimSuffix(spec, "/")
	if !strings.Contains(spec, "://") {
		spec = "http://" + spec
	}

	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("relay %q: %v: %w", spec, err, domain.ErrInvalidInput)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("relay %q: %w", spec, domain.ErrUnsupportedProxy)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("relay %q: missing host: %w", spec, domain.ErrInvalidInput)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultProxyPort)
	}
	u.Path = ""
	return u, nil
}

// do sends the request and records status, size and final URL
func (c *Client) do(ctx context.Context) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.rng != "" {
		req.Header.Set("Range", "bytes="+c.rng)
	}
	if c.cookies != "" {
		req.Header.Set("Cookie", c.cookies)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.status = 0
	c.meter.reset()
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.release()
		return nil, domain.NewRetryableError(fmt.Errorf("request failed: %w", err), 0, 0)
	}

	c.mu.Lock()
	c.status = resp.StatusCode
	c.fileSize = totalSize(resp)
	c.finalURL = resp.Request.URL.String()
	c.mu.Unlock()

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		c.release()
		return nil, domain.NewRetryableError(
			fmt.Errorf("GET %s: %w", c.url, domain.ErrUnexpectedStatus),
			resp.StatusCode,
			retryAfter(resp))
	}
	return resp, nil
}

// release cancels the request context of the current transfer
func (c *Client) release() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

// Perform runs the request and streams the body into w
func (c *Client) Perform(ctx context.Context, w io.Writer) error {
	resp, err := c.do(ctx)
	if err != nil {
		return err
	}
	defer c.release()
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if c.bucket != nil {
		body = ratelimit.Reader(body, c.bucket)
	}

	if _, err := io.Copy(io.MultiWriter(w, &c.meter), body); err != nil {
		return domain.NewRetryableError(fmt.Errorf("transfer failed: %w", err), resp.StatusCode, 0)
	}
	c.meter.stop()
	return nil
}

// HTTPStatus returns the status code of the last response
func (c *Client) HTTPStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FileSize returns the total size reported by the last response, or -1
func (c *Client) FileSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileSize
}

// FinalURL returns the URL of the last response after redirects
func (c *Client) FinalURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalURL
}

// DownloadSpeed returns the rate of the current or last transfer in bytes/s
func (c *Client) DownloadSpeed() float64 {
	return c.meter.rate()
}

// Terminate aborts an in-flight Perform
func (c *Client) Terminate() {
	c.release()
}

// Close releases idle connections
func (c *Client) Close() {
	c.Terminate()
	c.transport.CloseIdleConnections()
}

// totalSize extracts the full resource size from Content-Range, falling back
// to Content-Length for a 200 response.
func totalSize(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil {
				return n
			}
		}
		return -1
	}
	if resp.StatusCode == http.StatusOK {
		return resp.ContentLength
	}
	return -1
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// meter measures the throughput of one transfer
type meter struct {
	mu    sync.Mutex
	start time.Time
	end   time.Time
	n     int64
	now   func() time.Time
}

func (m *meter) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *meter) reset() {
	m.mu.Lock()
	m.start = m.clock()
	m.end = time.Time{}
	m.n = 0
	m.mu.Unlock()
}

func (m *meter) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.n += int64(len(p))
	m.mu.Unlock()
	return len(p), nil
}

func (m *meter) stop() {
	m.mu.Lock()
	m.end = m.clock()
	m.mu.Unlock()
}

func (m *meter) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return 0
	}
	end := m.end
	if end.IsZero() {
		end = m.clock()
	}
	elapsed := end.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.n) / elapsed
}
