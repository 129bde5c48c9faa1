package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vertextoedge/relayget/internal/domain"
)

// ProbeResult describes the target as seen through one relay
type ProbeResult struct {
	FileSize      int64
	AcceptsRanges bool
	FinalURL      string
	Status        int
}

// Probe asks for the first byte of target through proxy and reports the
// total size, whether ranged requests are honoured and where redirects led.
// The body is not read unless the server honoured the range.
func Probe(ctx context.Context, cfg *Config, target, cookies, proxy string) (*ProbeResult, error) {
	c := New(cfg)
	defer c.Close()

	if err := c.SetProxy(proxy); err != nil {
		return nil, err
	}
	c.SetURL(target)
	c.SetCookies(cookies)
	c.SetRange(domain.RangeHeader(0, 0))

	resp, err := c.do(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w: %w", target, domain.ErrUnreachable, err)
	}
	resp.Body.Close()
	c.release()

	res := &ProbeResult{
		FileSize:      c.FileSize(),
		AcceptsRanges: resp.StatusCode == http.StatusPartialContent && c.FileSize() >= 0,
		FinalURL:      c.FinalURL(),
		Status:        resp.StatusCode,
	}
	return res, nil
}
